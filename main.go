// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/callsig/internal/config"
)

var (
	cfgPath  = flag.String("config", "callsig.json", "Path to configuration file")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callsig v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("callsig failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callsig - call signaling coordinator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callsig [-config callsig.json]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON configuration file")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("The config file selects the store backend (memory, sqlite or redis),")
	fmt.Println("the client identity and the API listen address. See config.Default()")
	fmt.Println("for the full field list.")
}
