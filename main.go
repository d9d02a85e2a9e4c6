// Package main is the entry point for the rawring capture daemon and tools.
package main

import (
	"os"

	"firestige.xyz/rawring/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
