package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/billetlabs/billet/pkg/client"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage fleet workers",
}

var workerImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Register an existing cloud machine as a worker",
	Long: `Register a machine bought outside the auto-scaler as a worker.

The template names the capacity, license kind, and port range the
machine was provisioned with. The worker enters the fleet in the
pending state and the reconciler drives it to running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		name, _ := cmd.Flags().GetString("name")
		cloudID, _ := cmd.Flags().GetString("cloud-id")

		w, err := apiClient(cmd).ImportWorker(client.ImportWorkerRequest{
			TemplateName:    template,
			Name:            name,
			CloudInstanceID: cloudID,
			Reason:          "manual import",
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker imported: %s (%s)\n", w.ID, w.Name)
		return nil
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient(cmd).ListWorkers()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTEMPLATE\tLICENSE\tINSTANCES\tCPU FREE\tMEM FREE (MB)")
		for _, wk := range list.Workers {
			free := wk.Available()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				wk.ID, wk.Name, wk.Status, dash(wk.TemplateName), wk.LicenseKind,
				len(wk.InstanceIDs), free.CPUCores, free.MemoryMB)
		}
		return w.Flush()
	},
}

var workerGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := apiClient(cmd).GetWorker(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:             %s\n", w.ID)
		fmt.Printf("Name:           %s\n", w.Name)
		fmt.Printf("Status:         %s\n", w.Status)
		fmt.Printf("Template:       %s\n", dash(w.TemplateName))
		fmt.Printf("Cloud instance: %s\n", dash(w.CloudInstanceID))
		fmt.Printf("Type/Region:    %s / %s\n", w.InstanceType, w.Region)
		fmt.Printf("License:        %s\n", w.LicenseKind)
		fmt.Printf("Capacity:       %d cores, %d MB, %d GB (max %d nodes)\n",
			w.Capacity.CPUCores, w.Capacity.MemoryMB, w.Capacity.StorageGB, w.MaxNodes)
		fmt.Printf("Allocated:      %d cores, %d MB, %d GB (%d nodes)\n",
			w.Allocated.CPUCores, w.Allocated.MemoryMB, w.Allocated.StorageGB, w.AllocatedNodes)
		fmt.Printf("Port range:     %d-%d (%d free)\n", w.PortRange.Lo, w.PortRange.Hi, w.AvailablePorts())
		if len(w.InstanceIDs) > 0 {
			fmt.Printf("Instances:\n")
			for _, id := range w.InstanceIDs {
				fmt.Printf("  %s\n", id)
			}
		}
		if !w.Telemetry.SampledAt.IsZero() {
			fmt.Printf("Telemetry:      cpu %.1f%%, mem %.1f%%, %d active labs (sampled %s)\n",
				w.Telemetry.CPUPercent, w.Telemetry.MemoryPercent, w.Telemetry.ActiveLabs,
				w.Telemetry.SampledAt.Format(time.RFC3339))
		}
		if !w.DrainDeadline.IsZero() {
			fmt.Printf("Drain deadline: %s\n", w.DrainDeadline.Format(time.RFC3339))
		}
		fmt.Printf("Created:        %s\n", w.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var workerCapacityCmd = &cobra.Command{
	Use:   "capacity ID",
	Short: "Show a worker's free and used resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient(cmd).WorkerCapacity(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\tCPU CORES\tMEMORY (MB)\tDISK (GB)")
		fmt.Fprintf(w, "capacity\t%d\t%d\t%d\n", view.Capacity.CPUCores, view.Capacity.MemoryMB, view.Capacity.StorageGB)
		fmt.Fprintf(w, "allocated\t%d\t%d\t%d\n", view.Allocated.CPUCores, view.Allocated.MemoryMB, view.Allocated.StorageGB)
		fmt.Fprintf(w, "available\t%d\t%d\t%d\n", view.Available.CPUCores, view.Available.MemoryMB, view.Available.StorageGB)
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nNodes: %d / %d, instances: %d\n",
			view.AllocatedNodes, view.MaxNodes, view.Instances)
		return nil
	},
}

var workerPortsCmd = &cobra.Command{
	Use:   "ports ID",
	Short: "Show a worker's port leases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient(cmd).WorkerPorts(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Range: %d-%d (%d free)\n", view.Range.Lo, view.Range.Hi, view.Free)
		if len(view.Allocations) == 0 {
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INSTANCE\tPORTS\tALLOCATED")
		for _, a := range view.Allocations {
			fmt.Fprintf(w, "%s\t%v\t%s\n", a.InstanceID, a.Ports, a.AllocatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var workerDrainCmd = &cobra.Command{
	Use:   "drain ID",
	Short: "Begin scale-down of a worker (requires --token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		w, err := apiClient(cmd).DrainWorker(args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker draining: %s (deadline %s)\n",
			w.ID, w.DrainDeadline.Format(time.RFC3339))
		return nil
	},
}

var workerScaleUpCmd = &cobra.Command{
	Use:   "scale-up TEMPLATE",
	Short: "Record demand for one more worker (requires --token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		raised, err := apiClient(cmd).ScaleUp(args[0], reason, "")
		if err != nil {
			return err
		}
		if raised {
			fmt.Printf("✓ Scale-up requested: %s\n", args[0])
		} else {
			fmt.Printf("Scale-up already outstanding: %s\n", args[0])
		}
		return nil
	},
}

func init() {
	workerImportCmd.Flags().String("template", "", "Worker template name (required)")
	workerImportCmd.Flags().String("name", "", "Worker name (default derived from template)")
	workerImportCmd.Flags().String("cloud-id", "", "Cloud provider instance id")
	_ = workerImportCmd.MarkFlagRequired("template")

	workerDrainCmd.Flags().String("reason", "", "Recorded drain reason")
	workerScaleUpCmd.Flags().String("reason", "", "Recorded scale-up reason")

	workerCmd.AddCommand(workerImportCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerGetCmd)
	workerCmd.AddCommand(workerCapacityCmd)
	workerCmd.AddCommand(workerPortsCmd)
	workerCmd.AddCommand(workerDrainCmd)
	workerCmd.AddCommand(workerScaleUpCmd)
	rootCmd.AddCommand(workerCmd)
}
