package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callbridge/internal/adapter/server"
	"callbridge/internal/adapter/store"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/logger"
	"callbridge/internal/infra/metrics"
	"callbridge/internal/infra/tracer"
	"callbridge/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'callbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`callbridge - voice call orchestration server

USAGE:
    callbridge [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check configuration and provider reachability
    encrypt     Encrypt a secret for config.yaml (reads CALLBRIDGE_CONFIG_KEY)

    (no command) - Run the call server

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CALLBRIDGE_* variables override config
                 TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER
                 DEEPGRAM_API_KEY, ELEVENLABS_API_KEY, ELEVENLABS_VOICE_ID

EXAMPLES:
    callbridge                                   # Run with config.yaml
    callbridge --config /etc/callbridge.yaml     # Run with custom config
    callbridge doctor                            # Check provider setup
    CALLBRIDGE_CONFIG_KEY=... callbridge encrypt sk-...`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := config.RequireProviders(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Providers
	providers := initProviders(cfg, log)

	// 4. Call history
	history, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer history.Close()

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 6. Server
	srv, err := server.New(cfg, server.Deps{
		Telephony:   providers.Telephony,
		Transcriber: providers.Transcriber,
		Synthesizer: providers.Synthesizer,
		History:     history,
		Bus:         bus,
		Metrics:     metrics.New(),
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	// 7. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info("callbridge started",
		"addr", srv.BoundAddr(),
		"public_url", cfg.Server.PublicURL,
		"history", cfg.Store.Path != "",
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	log.Info("callbridge stopped")
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CALLBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// runEncrypt prints the "enc:" form of a secret for pasting into config.yaml.
func runEncrypt(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: callbridge encrypt VALUE")
	}
	passphrase := os.Getenv("CALLBRIDGE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CALLBRIDGE_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}
