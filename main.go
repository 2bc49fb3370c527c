// The main package for the unicore-bridge executable.
package main

import (
	"github.com/JakeFAU/unicore-bridge/cmd"
)

func main() {
	cmd.Execute()
}
