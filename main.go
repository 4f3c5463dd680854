package main

import (
	"os"

	"github.com/shinyobjectz/tav/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
