// Package config holds the configuration structs shared by the gateway
// and agent binaries, and the flag-binding helpers that populate them
// from a cobra command tree.
package config

import (
	"time"

	"github.com/spf13/cobra"
)

// GatewayConfig configures a gateway process: the session multiplexer,
// mesh allocator, service VIP plane, and DDoS pipeline.
type GatewayConfig struct {
	NodeID      string
	BindAddr    string
	LogLevel    string
	LogJSON     bool
	MetricsAddr string

	MaxConnections int

	MeshBaseCIDR     string
	WorkloadBaseCIDR string
	ServiceBaseCIDR  string

	DDoS DDoSConfig
}

// DDoSConfig configures the DDoS protection pipeline's limits.
type DDoSConfig struct {
	MaxMessagesPerSecond int
	ViolationsBeforeBan  int
	BanDuration          time.Duration
	PermanentBanAfter    int
	ReputationThreshold  int
	ConnectionLimit      int
}

// AgentConfig configures a per-node agent process.
type AgentConfig struct {
	NodeID      string
	GatewayAddr string
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

// DefaultGatewayConfig returns the baseline configuration used when no
// flags override it, mirroring the defaults a cobra command tree would
// bind.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BindAddr:         ":7946",
		LogLevel:         "info",
		MetricsAddr:      ":9090",
		MaxConnections:   4096,
		MeshBaseCIDR:     "10.100.0.0/16",
		WorkloadBaseCIDR: "10.200.0.0/16",
		ServiceBaseCIDR:  "10.201.0.0/16",
		DDoS: DDoSConfig{
			MaxMessagesPerSecond: 100,
			ViolationsBeforeBan:  5,
			BanDuration:          10 * time.Minute,
			PermanentBanAfter:    3,
			ReputationThreshold:  -50,
			ConnectionLimit:      64,
		},
	}
}

// BindGatewayFlags registers the gateway's persistent flags on cmd;
// ReadGatewayFlags reads them back into a GatewayConfig, following the teacher's pattern of reading cobra flags inside RunE
// rather than binding directly to struct fields.
func BindGatewayFlags(cmd *cobra.Command) {
	defaults := DefaultGatewayConfig()
	cmd.PersistentFlags().String("node-id", "", "Node id for this gateway")
	cmd.PersistentFlags().String("bind-addr", defaults.BindAddr, "Gateway listen address")
	cmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cmd.PersistentFlags().String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address")
	cmd.PersistentFlags().Int("max-connections", defaults.MaxConnections, "Maximum concurrent gateway sessions")
	cmd.PersistentFlags().String("mesh-base-cidr", defaults.MeshBaseCIDR, "Base CIDR for the mesh overlay")
	cmd.PersistentFlags().String("workload-base-cidr", defaults.WorkloadBaseCIDR, "Base CIDR for per-node workload subnets")
	cmd.PersistentFlags().String("service-base-cidr", defaults.ServiceBaseCIDR, "Base CIDR for service VIPs")
	cmd.PersistentFlags().Int("ddos-max-msgs-per-sec", defaults.DDoS.MaxMessagesPerSecond, "Sliding window request admission rate")
	cmd.PersistentFlags().Int("ddos-violations-before-ban", defaults.DDoS.ViolationsBeforeBan, "Violations before a temporary ban")
	cmd.PersistentFlags().Duration("ddos-ban-duration", defaults.DDoS.BanDuration, "Temporary ban duration")
	cmd.PersistentFlags().Int("ddos-permanent-ban-after", defaults.DDoS.PermanentBanAfter, "Temp bans before a permanent ban")
	cmd.PersistentFlags().Int("ddos-reputation-threshold", defaults.DDoS.ReputationThreshold, "Reputation score below which an IP is blocked")
	cmd.PersistentFlags().Int("ddos-connection-limit", defaults.DDoS.ConnectionLimit, "Per-IP concurrent connection limit")
}

// DefaultAgentConfig returns the baseline agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		GatewayAddr: "127.0.0.1:7946",
		LogLevel:    "info",
		MetricsAddr: ":9091",
	}
}

// BindAgentFlags registers the agent's persistent flags on cmd.
func BindAgentFlags(cmd *cobra.Command) {
	defaults := DefaultAgentConfig()
	cmd.PersistentFlags().String("node-id", "", "Node id for this agent")
	cmd.PersistentFlags().String("gateway-addr", defaults.GatewayAddr, "Gateway address to connect to")
	cmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cmd.PersistentFlags().String("metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address")
}

// ReadAgentFlags reads the flags registered by BindAgentFlags back
// into an AgentConfig.
func ReadAgentFlags(cmd *cobra.Command) AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	cfg.GatewayAddr, _ = cmd.Flags().GetString("gateway-addr")
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	return cfg
}

// ReadGatewayFlags reads the flags registered by BindGatewayFlags back
// into a GatewayConfig.
func ReadGatewayFlags(cmd *cobra.Command) GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	cfg.MaxConnections, _ = cmd.Flags().GetInt("max-connections")
	cfg.MeshBaseCIDR, _ = cmd.Flags().GetString("mesh-base-cidr")
	cfg.WorkloadBaseCIDR, _ = cmd.Flags().GetString("workload-base-cidr")
	cfg.ServiceBaseCIDR, _ = cmd.Flags().GetString("service-base-cidr")
	cfg.DDoS.MaxMessagesPerSecond, _ = cmd.Flags().GetInt("ddos-max-msgs-per-sec")
	cfg.DDoS.ViolationsBeforeBan, _ = cmd.Flags().GetInt("ddos-violations-before-ban")
	cfg.DDoS.BanDuration, _ = cmd.Flags().GetDuration("ddos-ban-duration")
	cfg.DDoS.PermanentBanAfter, _ = cmd.Flags().GetInt("ddos-permanent-ban-after")
	cfg.DDoS.ReputationThreshold, _ = cmd.Flags().GetInt("ddos-reputation-threshold")
	cfg.DDoS.ConnectionLimit, _ = cmd.Flags().GetInt("ddos-connection-limit")
	return cfg
}
