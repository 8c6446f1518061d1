// Chat relay node
// Serves the local UI over HTTP/WebSocket and exchanges messages with peer
// nodes over gRPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nainya/chatrelay/internal/config"
)

var (
	configPath string
	addr       string
	chatPath   string
	wsPath     string
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Peer-to-peer chat relay",
	Long: `chatrelay runs one node of a peer-to-peer chat network.

Each node keeps the conversations of its local user, forwards outgoing
messages to the peer they are addressed to, and pushes incoming ones to
the browser UI connected over WebSocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Base URL of a running node's UI server")

	defaults := config.Default()
	rootCmd.PersistentFlags().StringVar(&chatPath, "path", defaults.HTTP.Path, "Chat path of the node's UI server")
	rootCmd.PersistentFlags().StringVar(&wsPath, "ws-path", defaults.HTTP.WebSocketPath, "WebSocket path of the node's UI server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
