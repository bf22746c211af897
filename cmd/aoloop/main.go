package main

import (
	"os"

	"github.com/adaptiveoptics-org/AOcontrol/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
