package main

import (
	"fmt"
	"os"
)

func main() {
	if err := cmdRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
}
