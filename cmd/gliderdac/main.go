package main

import (
	"os"

	"github.com/livinlefevreloca/gliderdac/cmd/gliderdac/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
