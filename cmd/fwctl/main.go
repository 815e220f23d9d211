package main

import (
	"os"

	"github.com/fwctl/fwctl/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
