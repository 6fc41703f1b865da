package main

import (
	"os"

	"github.com/Dicklesworthstone/caam/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
