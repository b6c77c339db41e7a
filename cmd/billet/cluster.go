package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the control plane cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show raft role and membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).ClusterStatus()
		if err != nil {
			return err
		}

		if status.Raft["replicated"] == false {
			fmt.Println("Mode: standalone (no replication)")
			return nil
		}
		fmt.Printf("Leader:      %t\n", status.Leader)
		if status.LeaderAddr != "" {
			fmt.Printf("Leader addr: %s\n", status.LeaderAddr)
		}
		if len(status.Servers) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tADDRESS\tSUFFRAGE")
			for _, s := range status.Servers {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Address, s.Suffrage)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

var clusterTokenCmd = &cobra.Command{
	Use:   "token ROLE",
	Short: "Mint a bearer token (requires --token)",
	Long: `Mint a bearer token for the internal API.

Roles: scheduler, controller, replica. Replica tokens let a new
control plane node join the raft cluster; scheduler and controller
tokens let collaborators call the internal endpoints.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetString("ttl")
		token, err := apiClient(cmd).IssueToken(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Token issued (role %s)\n", token.Role)
		if !token.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("\n%s\n", token.Secret)
		return nil
	},
}

func init() {
	clusterTokenCmd.Flags().String("ttl", "24h", "Token lifetime (empty never expires)")

	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterTokenCmd)
	rootCmd.AddCommand(clusterCmd)
}
