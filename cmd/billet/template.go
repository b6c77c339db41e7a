package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Inspect worker templates",
	Long: `Inspect the worker templates scale-up builds machines from.

Templates are seeded from the server configuration; this surface is
read-only.`,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient(cmd).ListTemplates()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINSTANCE TYPE\tLICENSE\tCPU\tMEM (MB)\tDISK (GB)\tMAX NODES\tPORTS")
		for _, t := range list.Templates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d-%d\n",
				t.Name, t.InstanceType, t.LicenseKind,
				t.Capacity.CPUCores, t.Capacity.MemoryMB, t.Capacity.StorageGB,
				t.MaxNodes, t.PortRange.Lo, t.PortRange.Hi)
		}
		return w.Flush()
	},
}

var templateGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show one worker template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient(cmd).GetTemplate(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:          %s\n", t.Name)
		fmt.Printf("Instance type: %s\n", t.InstanceType)
		fmt.Printf("Image:         %s\n", dash(t.ImageID))
		fmt.Printf("Region:        %s\n", dash(t.Region))
		fmt.Printf("License:       %s\n", t.LicenseKind)
		fmt.Printf("Capacity:      %d cores, %d MB, %d GB (max %d nodes)\n",
			t.Capacity.CPUCores, t.Capacity.MemoryMB, t.Capacity.StorageGB, t.MaxNodes)
		fmt.Printf("Port range:    %d-%d\n", t.PortRange.Lo, t.PortRange.Hi)
		fmt.Printf("Drain timeout: %s\n", t.DrainTimeout)
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateGetCmd)
	rootCmd.AddCommand(templateCmd)
}
