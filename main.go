// The main package for the ragline executable.
package main

import (
	"github.com/ragline/ragline/cmd"
)

func main() {
	cmd.Execute()
}
