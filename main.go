// The main package for the sceneflow executable.
package main

import (
	"os"

	"github.com/JakeFAU/sceneflow/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
