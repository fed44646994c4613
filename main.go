// Package main provides the entry point for M2Sim.
// M2Sim is a cycle-accurate Apple M2 CPU simulator built on Akita.
//
// For the out-of-order runahead core CLI, use: go run ./cmd/runaheadsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("M2Sim - Apple M2 CPU Simulator")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/runaheadsim' for the out-of-order runahead core CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/runaheadsim' instead.")
	}
}
