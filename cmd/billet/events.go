package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billetlabs/billet/pkg/client"
	"github.com/billetlabs/billet/pkg/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the control plane event stream",
	Long: `Follow the control plane's push channel and print one line per
event. Heartbeats are suppressed unless --all is given.

Examples:
  # Everything
  billet events

  # One instance's lifecycle
  billet events --aggregate inst-42

  # Placement activity only
  billet events --types instance.scheduled,instance.running`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typesFlag, _ := cmd.Flags().GetString("types")
		aggregate, _ := cmd.Flags().GetString("aggregate")
		all, _ := cmd.Flags().GetBool("all")

		var typeList []string
		if typesFlag != "" {
			typeList = strings.Split(typesFlag, ",")
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		ch, err := apiClient(cmd).StreamEvents(ctx, client.StreamOptions{
			Types:       typeList,
			AggregateID: aggregate,
		})
		if err != nil {
			return err
		}

		for e := range ch {
			if !all && (e.Type == events.TypeHeartbeat || e.Type == events.TypeConnected) {
				continue
			}
			if e.Type == events.TypeShutdown {
				fmt.Println("Control plane shutting down, stream closed.")
				return nil
			}
			line := fmt.Sprintf("%s  %-28s %s",
				e.OccurredAt.Format(time.RFC3339), e.Type, e.AggregateID)
			if len(e.Data) > 0 && string(e.Data) != "null" {
				line += "  " + string(e.Data)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("types", "", "Comma-separated event types to keep")
	eventsCmd.Flags().String("aggregate", "", "Only events for one entity id")
	eventsCmd.Flags().Bool("all", false, "Include heartbeat and connect sentinels")

	rootCmd.AddCommand(eventsCmd)
}
