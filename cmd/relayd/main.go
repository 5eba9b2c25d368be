// Package main implements the relay tunnel server daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaygate/relay/internal/server"
	"github.com/relaygate/relay/internal/version"
)

func main() {
	hostname := flag.String("hostname", "", "Bind address for the shared public/control listener")
	port := flag.Int("port", 8080, "Port for the shared public/control listener")
	baseSubdomain := flag.String("base-subdomain", "", "Base subdomain the server runs under, stripped from resolved names (e.g. \"tunnel\" for alice.tunnel.example.com; empty = none)")
	shutdownGrace := flag.Duration("shutdown-grace", 10*time.Second, "Time to wait for in-flight connections to drain on shutdown")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd " + version.Full())
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := server.Config{
		Hostname:      *hostname,
		Port:          *port,
		BaseSubdomain: *baseSubdomain,
		ShutdownGrace: *shutdownGrace,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg).Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
