package main

import (
	"fmt"
	"os"

	"github.com/noah-isme/sma-timetable-api/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(cli.LoadFromConfig).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
