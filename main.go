// The main package for the qa-scanner executable.
package main

import (
	"github.com/JakeFAU/qa-scanner/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
