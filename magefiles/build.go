//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidies the module and builds the testbed binary into bin/.
func (Build) Engine() error {
	mg.Deps(goTidy)
	return goStream.run("build", "-o", "bin/crude", ".")
}

// Runs every package test with the race detector.
func (Build) Test() error {
	return goStream.run("test", "-race", "./...")
}

// Runs go vet over the module.
func (Build) Vet() error {
	return goStream.run("vet", "./...")
}
