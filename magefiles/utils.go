//go:build mage

package main

import (
	"fmt"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// glfw and vulkan are cgo bindings
var cgoEnv = map[string]string{"CGO_ENABLED": "1"}

type goCmd struct {
	env    map[string]string
	stream bool
}

// run invokes the go tool. Output is echoed when streaming or under -v,
// otherwise it is only shown when the command fails.
func (g goCmd) run(args ...string) error {
	fmt.Printf("Executing: go %s\n", strings.Join(args, " "))
	if g.stream || mg.Verbose() {
		if err := sh.RunWithV(g.env, "go", args...); err != nil {
			return fmt.Errorf("go %s: %w", args[0], err)
		}
		return nil
	}
	out, err := sh.OutputWith(g.env, "go", args...)
	if err != nil {
		fmt.Println("... failed command output:")
		fmt.Println(out)
		return fmt.Errorf("go %s: %w", args[0], err)
	}
	return nil
}

var (
	goQuiet  = goCmd{}
	goStream = goCmd{env: cgoEnv, stream: true}
)

func goTidy() error {
	if err := goQuiet.run("mod", "tidy"); err != nil {
		return fmt.Errorf("failed to run go mod tidy: %w", err)
	}
	return nil
}
