// The main package for the pom-harvester executable.
package main

import (
	"os"

	"github.com/JakeFAU/pom-harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
