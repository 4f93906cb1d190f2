// The main package for the registry-crawler executable.
package main

import (
	"github.com/JakeFAU/registry-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
