// Package main provides the terminal console for a running sentinel daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"sentinel/internal/console"
	"sentinel/internal/console/client"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "sentinel API URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "sentinel API URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("SENTINEL_API_KEY"), "API key sent as X-API-Key")
	flag.Parse()

	if showVersion {
		fmt.Printf("sentinel-console %s\n", version)
		os.Exit(0)
	}

	var opts []client.Option
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}

	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := console.Run(serverURL, opts...); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
