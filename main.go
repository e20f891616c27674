// Package main is the entry point for the srte SRv6 traffic engineering daemons.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/srte/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
