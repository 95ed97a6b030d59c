// Package main is the flashutil command itself.
package main

import (
	"log"
	"os"

	"github.com/viam-labs/spiflash/cli"
)

func main() {
	if err := cli.NewApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
