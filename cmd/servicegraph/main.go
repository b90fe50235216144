package main

import (
	"os"

	"github.com/malbeclabs/servicegraph/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
