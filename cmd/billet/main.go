package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billetlabs/billet/pkg/client"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "billet",
	Short: "Billet - control plane for virtual lab fleets",
	Long: `Billet keeps a fleet of heavy lab hosts exactly as busy as the
bookings demand. Definitions describe versioned lab topologies,
instances reserve a run of one for a timeslot, and workers are the
cloud machines the labs land on.

Run 'billet server' to start a control plane node, or point the
resource commands at a running one with --manager.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Billet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("manager", "localhost:8080", "Control plane address")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for internal endpoints (or BILLET_TOKEN)")
}

// apiClient builds a client from the shared connection flags.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("manager")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("BILLET_TOKEN")
	}
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(addr, opts...)
}
