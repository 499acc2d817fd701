package main

import (
	"os"

	"github.com/agusx1211/fedi/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
