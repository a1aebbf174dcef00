package main

import (
	"log"

	"github.com/trading-cli/observability/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and server bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("obsctl: %v", err)
	}
}
