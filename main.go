// The main package for the edgar-index executable.
package main

import (
	"github.com/JakeFAU/edgar-index/cmd"
)

func main() {
	cmd.Execute()
}
