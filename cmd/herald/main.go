package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/forward"
	"github.com/mattjoyce/herald/internal/gateway"
	"github.com/mattjoyce/herald/internal/journal"
	"github.com/mattjoyce/herald/internal/lock"
	"github.com/mattjoyce/herald/internal/log"
	"github.com/mattjoyce/herald/internal/replay"
	"github.com/mattjoyce/herald/internal/server"
	"github.com/mattjoyce/herald/internal/signature"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "sign":
		os.Exit(runSign(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("herald version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`herald - Discord <-> webhook message relay

Usage:
  herald <command> [flags]

Commands:
  start         Run the relay in foreground
  sign          Compute signature headers for a /send request body
  config lock   Authorize current config state (write integrity hash)
  config check  Validate config syntax and integrity
  version       Show version information
  help          Show this help message

Use 'herald <command> -h' for command-specific flags.
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")

	if cfg.LockFile != "" {
		lk, err := lock.Acquire(cfg.LockFile)
		if err != nil {
			logger.Error("failed to acquire instance lock", "error", err)
			return 1
		}
		defer func() { _ = lk.Release() }()
	}

	verifier, err := signature.New(cfg.Relay.Secret, cfg.Relay.PreviousSecret)
	if err != nil {
		logger.Error("invalid relay secret", "error", err)
		return 1
	}
	guard := replay.NewGuard(cfg.Relay.ReplayWindow())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder forward.Recorder
	if cfg.Journal.Path != "" {
		jnl, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer func() { _ = jnl.Close() }()
		recorder = jnl
	}

	fwd := forward.New(cfg.Forward.URL, forward.Options{
		Timeout:     cfg.Forward.Timeout(),
		MaxAttempts: cfg.Forward.MaxAttempts,
		QueueSize:   cfg.Forward.QueueSize,
		Recorder:    recorder,
	}, log.WithComponent("forward"))

	client := gateway.NewClient(cfg.Discord.Token, cfg.Discord.APIBase, log.WithComponent("gateway"))
	listener := gateway.NewListener(cfg.Discord.Token, cfg.Discord.GatewayURL, func(msg gateway.Message) {
		fwd.Enqueue(envelopeFromMessage(msg))
	}, log.WithComponent("gateway"))

	srv := server.New(server.Config{
		Listen:      cfg.Listen,
		MaxBodySize: cfg.Relay.MaxBodySize,
		Window:      cfg.Relay.ReplayWindow(),
	}, verifier, guard, client, log.WithComponent("server"))

	go fwd.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start(ctx) }()
	go func() { errCh <- listener.Run(ctx) }()

	logger.Info("herald started", "version", version, "listen", cfg.Listen)

	exitCode := 0
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", "error", err)
			exitCode = 1
			stop()
		}
	}

	logger.Info("herald stopped")
	return exitCode
}

// envelopeFromMessage normalizes a gateway event for webhook delivery.
func envelopeFromMessage(msg gateway.Message) forward.Envelope {
	attachments := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, a.URL)
	}

	return forward.Envelope{
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		Author:      forward.Author{ID: msg.Author.ID, Display: msg.Author.Username},
		Content:     msg.Content,
		MessageID:   msg.ID,
		Attachments: attachments,
		Timestamp:   msg.Timestamp,
	}
}

func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	body := fs.String("body", "", "Request body to sign (reads stdin when empty)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	payload := []byte(*body)
	if len(payload) == 0 {
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read stdin: %v\n", err)
			return 1
		}
	}

	verifier, err := signature.New(cfg.Relay.Secret, cfg.Relay.PreviousSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := verifier.Sign(ts, payload)

	fmt.Printf("%s: %s\n", server.TimestampHeader, ts)
	fmt.Printf("%s: %s\n", server.SignatureHeader, sig)
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: herald config <lock|check> [flags]")
		return 1
	}

	action := args[0]
	fs := flag.NewFlagSet("config "+action, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args[1:])

	switch action {
	case "lock":
		if err := config.LockConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Locked %s\n", *configPath)
		return 0
	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("OK %s\n", *configPath)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}
