// Command evalserver is the standalone evaluation server daemon: load
// config, wire the system, serve, wait for SIGINT/SIGTERM. Equivalent to
// `esctl run` but without the rest of the operator CLI's subcommands —
// the form a process supervisor (systemd, a container entrypoint) wants.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/CNITV/cms/internal/config"
	"github.com/CNITV/cms/internal/esctl"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := esctl.RunServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "evaluation server exited with error: %v\n", err)
		os.Exit(1)
	}
}
