package main

import (
	"os"

	"perpdesk/cmd/perpdesk/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
