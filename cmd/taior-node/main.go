// Command taior-node is a minimal demo binary: it brings up a Core over a
// real TCP substrate, dials any peers given on the command line, and relays
// stdin lines into the overlay as room messages, printing whatever arrives.
// It mirrors cmd/tor-client's shape (structured logging to a file and the
// console, signal-driven graceful shutdown) without any of that binary's
// Tor-specific directory/consensus bootstrapping.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/taiorproject/taior/config"
	"github.com/taiorproject/taior/roomlog"
	"github.com/taiorproject/taior/router"
	"github.com/taiorproject/taior/substrate"
	"github.com/taiorproject/taior/telemetry"
)

func main() {
	listen := flag.String("listen", "", "address to accept inbound peer connections on, e.g. :9000")
	peers := flag.String("peers", "", "comma-separated addresses to dial on startup")
	mode := flag.String("mode", string(config.ModeAdaptive), "circuit mode: fast, adaptive, or mix")
	suite := flag.String("suite", "aes-gcm-256", "AEAD suite: aes-gcm-256 or chacha20poly1305")
	cover := flag.Bool("cover", true, "emit cover traffic to known peers")
	logPath := flag.String("log", "taior-node.log", "path to the JSON debug log")
	flag.Parse()

	logger, logFile := setupLogging(*logPath)
	defer func() { _ = logFile.Close() }()

	cfg := config.New(
		config.WithSuite(*suite),
		config.WithCoverEnabled(*cover),
	)

	sub := substrate.NewTCP(logger)
	core, err := router.New(cfg, sub, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct router: %v\n", err)
		os.Exit(1)
	}

	log := roomlog.New()
	core.OnDelivery(func(payload []byte, tag string) {
		log.Consume(payload, tag)
		fmt.Printf("[%s] %s\n", tag, payload)
	})

	addr, err := core.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize router: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("=== taior-node ===\naddress: %s\n", addr)

	if *listen != "" {
		if err := sub.Listen(*listen); err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", *listen, err)
			os.Exit(1)
		}
	}
	for _, p := range splitNonEmpty(*peers) {
		if err := sub.Dial(p); err != nil {
			logger.Warn("dial failed", "peer", p, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		core.Disconnect()
		sub.Close()
		os.Exit(0)
	}()

	fmt.Println("type a line and press enter to send it to your current circuit")
	circuitMode := config.Mode(*mode)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := core.Send([]byte(line), circuitMode); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

func setupLogging(path string) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})
	return telemetry.NewMulti(fileHandler, stdoutHandler), logFile
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
