package main

import (
	"os"

	"github.com/Synapsr/ProxyWarp/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
