package main

import (
	"errors"
	"os"

	"wandbctl/internal/cli"
	"wandbctl/internal/output"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			if exit.Msg != "" {
				output.NewConsole(os.Stderr).Error(exit.Msg)
			}
			os.Exit(exit.Code)
		}
		output.NewConsole(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
