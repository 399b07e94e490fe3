//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed headless with config.toml.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	return goStream.run("run", ".", "-config", "config.toml")
}

// Runs the testbed in a window on the Vulkan backend.
func (Run) Vulkan() error {
	mg.Deps(Build.Vet)
	fmt.Println("Run engine on vulkan...")
	return goStream.run("run", ".", "-config", "config.toml", "-backend", "vulkan")
}
