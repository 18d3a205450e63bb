// Package cmd provides the CLI commands for Aegis Gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegis-gate/aegisgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis-gate",
	Short: "Aegis Gate - AI Agent Policy Gateway",
	Long: `Aegis Gate is a policy gateway for AI agent tool calls.

Agents submit actions to the gateway instead of calling tools directly.
Every action is evaluated against the agent's manifest (allowed tools,
amount caps, counterparty lists, daily budgets) and either executed,
denied, or escalated for human approval. Every decision lands in a
hash-chained, signed audit log.

Quick start:
  1. Create a config file: aegis-gate.yaml
  2. Run: aegis-gate start

Configuration:
  Config is loaded from aegis-gate.yaml in the current directory,
  $HOME/.aegis-gate/, or /etc/aegis-gate/.

  Environment variables override config values, e.g.
  GATEWAY_LISTEN_ADDR=:9090 or DATABASE_URL=/var/lib/aegis-gate/gw.db.

Commands:
  start       Start the gateway server
  keygen      Generate signing or vault key material
  hash-key    Hash an API key for seeding the key store
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegis-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
