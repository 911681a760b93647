// The main package for the capture-service executable.
package main

import (
	"github.com/JakeFAU/capture-service/cmd"
)

func main() {
	cmd.Execute()
}
