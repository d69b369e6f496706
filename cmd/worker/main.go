// Package main is the enclave worker's process entry point: load
// configuration, build every component, serve until a termination
// signal, drain, and exit.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/sev-custody/enclaveworker/infrastructure/config"
	"github.com/sev-custody/enclaveworker/internal/bootstrap"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return bootstrap.ExitStartupFailure
	}

	worker, err := bootstrap.New(cfg)
	if err != nil {
		log.Printf("startup failed: %v", err)
		return bootstrap.ExitStartupFailure
	}

	fmt.Printf("enclaveworker starting on port %d\n", cfg.RPCPort)
	return worker.Run(context.Background())
}
