package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/billetlabs/billet/pkg/client"
	"github.com/billetlabs/billet/pkg/types"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"inst"},
	Short:   "Manage lab instances",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Book a lab run for a timeslot",
	Long: `Book a run of a definition for a timeslot.

The window defaults to starting now; give --start for a future
booking. The end is either --end or --start plus --duration.

Examples:
  # A two-hour session starting now
  billet instance create --definition dsp-lab --owner course-42

  # A booked session next Monday, pinned to an older version
  billet instance create --definition dsp-lab --def-version 1.1.0 \
    --owner course-42 --start 2026-08-31T09:00:00Z --duration 4h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, _ := cmd.Flags().GetString("definition")
		version, _ := cmd.Flags().GetString("def-version")
		owner, _ := cmd.Flags().GetString("owner")
		reservation, _ := cmd.Flags().GetString("reservation")
		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")
		duration, _ := cmd.Flags().GetDuration("duration")

		start := time.Now()
		if startStr != "" {
			var err error
			start, err = time.Parse(time.RFC3339, startStr)
			if err != nil {
				return fmt.Errorf("parse --start: %v", err)
			}
		}
		end := start.Add(duration)
		if endStr != "" {
			var err error
			end, err = time.Parse(time.RFC3339, endStr)
			if err != nil {
				return fmt.Errorf("parse --end: %v", err)
			}
		}

		inst, err := apiClient(cmd).CreateInstance(client.CreateInstanceRequest{
			DefinitionName:    definition,
			DefinitionVersion: version,
			Timeslot:          types.Timeslot{Start: start, End: end},
			Owner:             owner,
			ReservationID:     reservation,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Instance created: %s\n", inst.ID)
		fmt.Printf("  Definition: %s@%s\n", inst.DefinitionName, inst.DefinitionVersion)
		fmt.Printf("  Timeslot:   %s - %s\n",
			inst.Timeslot.Start.Format(time.RFC3339), inst.Timeslot.End.Format(time.RFC3339))
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		owner, _ := cmd.Flags().GetString("owner")
		definition, _ := cmd.Flags().GetString("definition")

		list, err := apiClient(cmd).ListInstances(client.InstanceListOptions{
			State:      state,
			Owner:      owner,
			Definition: definition,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEFINITION\tSTATE\tWORKER\tOWNER\tSTART\tEND")
		for _, inst := range list.Instances {
			fmt.Fprintf(w, "%s\t%s@%s\t%s\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.DefinitionName, inst.DefinitionVersion, inst.State,
				dash(inst.WorkerID), inst.Owner,
				inst.Timeslot.Start.Format(time.RFC3339), inst.Timeslot.End.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var instanceGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := apiClient(cmd).GetInstance(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", inst.ID)
		fmt.Printf("Definition:  %s@%s\n", inst.DefinitionName, inst.DefinitionVersion)
		fmt.Printf("State:       %s\n", inst.State)
		fmt.Printf("Owner:       %s\n", inst.Owner)
		if inst.ReservationID != "" {
			fmt.Printf("Reservation: %s\n", inst.ReservationID)
		}
		fmt.Printf("Timeslot:    %s - %s\n",
			inst.Timeslot.Start.Format(time.RFC3339), inst.Timeslot.End.Format(time.RFC3339))
		fmt.Printf("Worker:      %s\n", dash(inst.WorkerID))
		if len(inst.Ports) > 0 {
			fmt.Printf("Ports:\n")
			for name, port := range inst.Ports {
				fmt.Printf("  %s: %d\n", name, port)
			}
		}
		if inst.BackendLabID != "" {
			fmt.Printf("Backend lab: %s\n", inst.BackendLabID)
		}
		if inst.ArtifactsURI != "" {
			fmt.Printf("Artifacts:   %s\n", inst.ArtifactsURI)
		}
		if inst.Grading != nil {
			fmt.Printf("Grading:     %.1f / %.1f (passed=%t)\n",
				inst.Grading.Total, inst.Grading.Max, inst.Grading.Passed)
		}
		if inst.StopReason != "" {
			fmt.Printf("Stop reason: %s\n", inst.StopReason)
		}
		if len(inst.History) > 0 {
			fmt.Printf("History:\n")
			for _, tr := range inst.History {
				reason := ""
				if tr.Reason != "" {
					reason = " (" + tr.Reason + ")"
				}
				fmt.Printf("  %s  %s -> %s by %s%s\n",
					tr.At.Format(time.RFC3339), tr.From, tr.To, tr.Actor, reason)
			}
		}
		return nil
	},
}

var instanceStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Begin instantiation ahead of the lead time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := apiClient(cmd).StartInstance(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Instance starting: %s (state %s)\n", inst.ID, inst.State)
		return nil
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Wind an instance down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		inst, err := apiClient(cmd).StopInstance(args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Instance stopping: %s\n", inst.ID)
		return nil
	},
}

var instanceCollectCmd = &cobra.Command{
	Use:   "collect ID",
	Short: "Hand a running lab to the assessment collaborator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := apiClient(cmd).CollectInstance(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Collection started: %s\n", inst.ID)
		return nil
	},
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a settled instance record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteInstance(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Instance deleted: %s\n", args[0])
		return nil
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	instanceCreateCmd.Flags().String("definition", "", "Definition name (required)")
	instanceCreateCmd.Flags().String("def-version", "", "Definition version (default latest)")
	instanceCreateCmd.Flags().String("owner", "", "Owning course or user (required)")
	instanceCreateCmd.Flags().String("reservation", "", "External reservation id")
	instanceCreateCmd.Flags().String("start", "", "Timeslot start, RFC3339 (default now)")
	instanceCreateCmd.Flags().String("end", "", "Timeslot end, RFC3339")
	instanceCreateCmd.Flags().Duration("duration", 2*time.Hour, "Timeslot length when --end is not given")
	_ = instanceCreateCmd.MarkFlagRequired("definition")
	_ = instanceCreateCmd.MarkFlagRequired("owner")

	instanceListCmd.Flags().String("state", "", "Filter by state")
	instanceListCmd.Flags().String("owner", "", "Filter by owner")
	instanceListCmd.Flags().String("definition", "", "Filter by definition name")

	instanceStopCmd.Flags().String("reason", "", "Recorded stop reason")

	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceCollectCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)
	rootCmd.AddCommand(instanceCmd)
}
