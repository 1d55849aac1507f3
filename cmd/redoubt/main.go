package main

import (
	"os"

	"github.com/majorcontext/redoubt/cmd/redoubt/cli"
)

func main() {
	os.Exit(cli.Execute())
}
