// The main package for the serial-crawler executable.
package main

import (
	"github.com/JakeFAU/serial-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
