// Package main implements the relay tunnel client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaygate/relay/internal/client"
	"github.com/relaygate/relay/internal/version"
)

var (
	cfgFile     string
	serverAddr  string
	subdomain   string
	debug       bool
	noReconnect bool
	maxRetries  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Expose local services to the internet",
		Long:  `relay is a lightweight reverse tunnel that exposes local services to the public internet.`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relay " + version.Full())
		},
	}

	httpCmd := &cobra.Command{
		Use:   "http <port> or http <host:port>",
		Short: "Expose a local HTTP service",
		Long: `Expose a local HTTP service to the internet.

Examples:
  relay http 3000                      # Expose localhost:3000
  relay http 8080 -s myapp             # Expose localhost:8080 with subdomain "myapp"
  relay http localhost:8080            # Expose localhost:8080
  relay http 192.168.1.10:3000         # Expose a service on your network`,
		Args: cobra.ExactArgs(1),
		RunE: runHTTP,
	}

	httpCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: ~/.relay.yaml)")
	httpCmd.Flags().StringVarP(&serverAddr, "server", "S", "", "Tunnel server address")
	httpCmd.Flags().StringVarP(&subdomain, "subdomain", "s", "", "Subdomain to claim (an empty name is rejected by the server)")
	httpCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	httpCmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "Disable automatic reconnection")
	httpCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Maximum reconnection attempts (0 = unlimited)")

	rootCmd.AddCommand(httpCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runHTTP(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := bindConfig(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
	}

	if !cmd.Flags().Changed("server") {
		serverAddr = v.GetString("server")
	}
	if !cmd.Flags().Changed("subdomain") {
		subdomain = v.GetString("subdomain")
	}
	if !cmd.Flags().Changed("debug") {
		debug = v.GetBool("debug")
	}
	if !cmd.Flags().Changed("no-reconnect") {
		noReconnect = !v.GetBool("reconnect")
	}
	if !cmd.Flags().Changed("max-retries") {
		maxRetries = v.GetInt("max_retries")
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if serverAddr == "" {
		return fmt.Errorf("server address is required (set RELAY_SERVER, ~/.relay.yaml, or --server)")
	}

	localAddr := args[0]
	if !strings.Contains(localAddr, ":") {
		localAddr = "localhost:" + localAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(serverAddr, localAddr).
		WithReconnect(!noReconnect).
		WithMaxRetries(maxRetries)
	if subdomain != "" {
		c = c.WithSubdomain(subdomain)
	}

	err := c.RunWithReconnect(ctx)
	if errors.Is(err, client.ErrShutdown) {
		log.Info("shutting down")
		return nil
	}
	return err
}
