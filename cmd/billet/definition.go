package main

import (
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/billetlabs/billet/pkg/client"
	"github.com/billetlabs/billet/pkg/config"
)

var definitionCmd = &cobra.Command{
	Use:     "definition",
	Aliases: []string{"def"},
	Short:   "Manage lab definitions",
}

var definitionRegisterCmd = &cobra.Command{
	Use:   "register -f MANIFEST",
	Short: "Register a definition version from a manifest file",
	Long: `Register a definition version from a YAML manifest.

The manifest carries the definition fields; the artifact body is read
from --artifact when given, otherwise the control plane fetches it from
the manifest's artifact URI.

Example manifest:

  name: dsp-lab
  version: 1.2.0
  artifact:
    uri: s3://labs/dsp-lab-1.2.0.yaml
  requirements:
    resources: {cpu_cores: 4, memory_mb: 8192, storage_gb: 40}
  license_affinity: [education]
  node_count: 2
  port_template:
    - {name: ssh, protocol: tcp}
  max_session_time: 4h
  owner: platform`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		artifactPath, _ := cmd.Flags().GetString("artifact")

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read manifest: %v", err)
		}
		var m config.DefinitionManifest
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return fmt.Errorf("parse manifest: %v", err)
		}

		var artifact []byte
		if artifactPath != "" {
			artifact, err = os.ReadFile(artifactPath)
			if err != nil {
				return fmt.Errorf("read artifact: %v", err)
			}
		}

		def, err := apiClient(cmd).CreateDefinition(client.CreateDefinitionRequest{
			Definition: m.Definition(),
			Artifact:   artifact,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Definition registered: %s@%s (sha256 %.12s)\n", def.Name, def.Version, def.Artifact.SHA256)
		return nil
	},
}

var definitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")
		deprecated, _ := cmd.Flags().GetBool("deprecated")

		defs, err := apiClient(cmd).ListDefinitions(client.DefinitionListOptions{
			Name:              name,
			Owner:             owner,
			IncludeDeprecated: deprecated,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tOWNER\tNODES\tLICENSES\tDEPRECATED\tCREATED")
		for _, d := range defs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%t\t%s\n",
				d.Name, d.Version, d.Owner, d.NodeCount, d.LicenseAffinity,
				d.Deprecated, d.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var definitionGetCmd = &cobra.Command{
	Use:   "get NAME [VERSION]",
	Short: "Show one definition version (latest when version is omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := ""
		if len(args) == 2 {
			version = args[1]
		}
		d, err := apiClient(cmd).GetDefinition(args[0], version)
		if err != nil {
			return err
		}

		fmt.Printf("Name:             %s\n", d.Name)
		fmt.Printf("Version:          %s\n", d.Version)
		fmt.Printf("Owner:            %s\n", d.Owner)
		fmt.Printf("Artifact URI:     %s\n", d.Artifact.URI)
		fmt.Printf("Artifact SHA256:  %s\n", d.Artifact.SHA256)
		fmt.Printf("Nodes:            %d\n", d.NodeCount)
		fmt.Printf("Requirements:     %d cores, %d MB, %d GB\n",
			d.Requirements.Resources.CPUCores, d.Requirements.Resources.MemoryMB, d.Requirements.Resources.StorageGB)
		fmt.Printf("License affinity: %v\n", d.LicenseAffinity)
		fmt.Printf("Max session:      %s\n", d.MaxSessionTime)
		if d.GradingRulesetID != "" {
			fmt.Printf("Grading ruleset:  %s\n", d.GradingRulesetID)
		}
		if d.WarmPoolDepth > 0 {
			fmt.Printf("Warm pool depth:  %d\n", d.WarmPoolDepth)
		}
		fmt.Printf("Deprecated:       %t\n", d.Deprecated)
		fmt.Printf("Created:          %s\n", d.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var definitionArtifactCmd = &cobra.Command{
	Use:   "artifact NAME VERSION",
	Short: "Print the cached topology artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		body, err := apiClient(cmd).Artifact(args[0], args[1])
		if err != nil {
			return err
		}
		if out == "" {
			_, err = os.Stdout.Write(body)
			return err
		}
		if err := os.WriteFile(out, body, 0o644); err != nil {
			return err
		}
		fmt.Printf("✓ Artifact written: %s (%d bytes)\n", out, len(body))
		return nil
	},
}

var definitionSyncCmd = &cobra.Command{
	Use:   "sync NAME VERSION",
	Short: "Re-fetch the artifact from its source URI",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := apiClient(cmd).SyncDefinition(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Artifact cache refreshed: %s@%s\n", d.Name, d.Version)
		return nil
	},
}

var definitionDeprecateCmd = &cobra.Command{
	Use:   "deprecate NAME VERSION",
	Short: "Block new instances of a version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := apiClient(cmd).DeprecateDefinition(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Definition deprecated: %s@%s\n", d.Name, d.Version)
		return nil
	},
}

var definitionDeleteCmd = &cobra.Command{
	Use:   "delete NAME VERSION",
	Short: "Delete a version no instance pins",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteDefinition(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Definition deleted: %s@%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	definitionRegisterCmd.Flags().StringP("file", "f", "", "Manifest file (required)")
	definitionRegisterCmd.Flags().String("artifact", "", "Topology artifact file to upload")
	_ = definitionRegisterCmd.MarkFlagRequired("file")

	definitionListCmd.Flags().String("name", "", "Filter by definition name")
	definitionListCmd.Flags().String("owner", "", "Filter by owner")
	definitionListCmd.Flags().Bool("deprecated", false, "Include deprecated versions")

	definitionArtifactCmd.Flags().StringP("output", "o", "", "Write the artifact to a file")

	definitionCmd.AddCommand(definitionRegisterCmd)
	definitionCmd.AddCommand(definitionListCmd)
	definitionCmd.AddCommand(definitionGetCmd)
	definitionCmd.AddCommand(definitionArtifactCmd)
	definitionCmd.AddCommand(definitionSyncCmd)
	definitionCmd.AddCommand(definitionDeprecateCmd)
	definitionCmd.AddCommand(definitionDeleteCmd)
	rootCmd.AddCommand(definitionCmd)
}
