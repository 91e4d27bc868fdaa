// Package main is the entry point for the cv2xctl radio resource manager CLI.
package main

import (
	"os"

	"firestige.xyz/cv2x/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
