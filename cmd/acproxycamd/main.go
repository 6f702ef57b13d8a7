// Command acproxycamd runs the camera and telemetry proxy daemon for
// Anycubic printers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"acproxycam/config"
	"acproxycam/daemon"
	"acproxycam/logging"
	"acproxycam/version"
)

var (
	configPath  string
	socketPath  string
	showVersion bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&socketPath, "socket", "", "Path to management socket (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
}

func main() {
	// .env is optional, for development setups.
	_ = godotenv.Load()

	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help") {
		printUsage()
		return
	}

	// Handle subcommands
	if len(os.Args) > 1 && os.Args[1] == "config-schema" {
		schema, err := config.Schema()
		if err != nil {
			log.Fatalf("Failed to build config schema: %v", err)
		}
		fmt.Println(string(schema))
		return
	}

	flag.Parse()

	if showVersion {
		fmt.Println(version.Version)
		return
	}

	store, err := config.NewStore(configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	cfg, err := store.Load()
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", store.Path(), err)
	}

	logging.Configure(logging.Config{
		Level:          cfg.LogLevel,
		Console:        true,
		File:           cfg.LogFile,
		FileMaxSizeMB:  cfg.LogMaxSizeMB,
		FileMaxBackups: cfg.LogMaxBackups,
	})
	logger := logging.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	logger.Info().
		Str("version", version.Version).
		Str("config", store.Path()).
		Msg("starting acproxycamd")

	d := daemon.New(store, cfg, socketPath)
	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed to start")
	}
}

func printUsage() {
	fmt.Println("Usage: acproxycamd [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  config-schema  Print the JSON schema of the config file")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>  Use custom config file (default: /etc/acproxycam/config.json as root, XDG config dir otherwise)")
	fmt.Println("  -socket <path>  Management socket path (overrides the config file)")
	fmt.Println("  -version        Print version and exit")
	fmt.Println("  -h, --help      Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  acproxycamd                          # Run with the default config")
	fmt.Println("  acproxycamd -config ./config.json    # Run with a custom config file")
	fmt.Println("  acproxycamd config-schema > schema.json")
	fmt.Println()
}
