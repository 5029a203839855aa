package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile  = flag.String("config", "config.yaml", "Path to configuration file")
	httpPort    = flag.Int("http-port", 0, "Override server.port from the config file")
	dataDir     = flag.String("data-dir", "", "Override data_dir from the config file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("kybercore version: %s\n", Version)
		return
	}

	fmt.Printf("kybercore version: %s\n", Version)

	config, err := LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, *configFile)
	}
	log.Printf("Loaded config from %s", *configFile)

	if *httpPort != 0 {
		config.Server.Port = *httpPort
	}
	if *dataDir != "" {
		// Keep the printers file alongside the data directory when it was
		// not set explicitly.
		if config.Fleet.PrintersFile == filepath.Join(config.DataDir, "printers.json") {
			config.Fleet.PrintersFile = filepath.Join(*dataDir, "printers.json")
		}
		config.DataDir = *dataDir
	}

	app, err := NewApp(config)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
