package main

import (
	"os"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
