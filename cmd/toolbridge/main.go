package main

import (
	"os"

	"toolbridge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
