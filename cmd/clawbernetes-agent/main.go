package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawbernetes/clawbernetes/pkg/clawlog"
	"github.com/clawbernetes/clawbernetes/pkg/clawmetrics"
	"github.com/clawbernetes/clawbernetes/pkg/config"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clawbernetes-agent",
	Short:   "Clawbernetes agent: connects a node to the gateway's session multiplexer",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"clawbernetes-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	config.BindAgentFlags(rootCmd)
	rootCmd.RunE = runAgent
}

type registerEnvelope struct {
	Type         string          `json:"type"`
	NodeID       string          `json:"node_id"`
	Capabilities json.RawMessage `json:"capabilities"`
}

type heartbeatEnvelope struct {
	Type string `json:"type"`
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg := config.ReadAgentFlags(cmd)

	clawlog.Init(clawlog.Config{
		Level:      clawlog.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := clawlog.WithNodeID(cfg.NodeID)

	target := url.URL{Scheme: "ws", Host: cfg.GatewayAddr, Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	register := registerEnvelope{Type: "Register", NodeID: cfg.NodeID, Capabilities: json.RawMessage(`{}`)}
	payload, err := json.Marshal(register)
	if err != nil {
		return fmt.Errorf("marshal register envelope: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send register frame: %w", err)
	}
	logger.Info().Str("gateway", cfg.GatewayAddr).Msg("registered with gateway")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				logger.Warn().Err(err).Msg("gateway connection closed")
				return
			}
			clawmetrics.GatewayFramesTotal.WithLabelValues("node", "in").Inc()
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb, _ := json.Marshal(heartbeatEnvelope{Type: "Heartbeat"})
			if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				logger.Warn().Err(err).Msg("heartbeat send failed")
			}
		case <-sigCh:
			logger.Info().Msg("shutting down agent")
			return nil
		case <-done:
			return nil
		}
	}
}
