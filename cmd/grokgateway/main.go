package main

import (
	"log"

	"github.com/lkarlslund/grokgateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
