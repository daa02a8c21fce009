package cmd

import (
	"encoding/json"
	"fmt"

	"go-civitai-publisher/internal/config"
	"go-civitai-publisher/internal/manifest"
	"go-civitai-publisher/internal/publisher"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

var showConfigTOMLFlag bool

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugShowConfigCmd)
	debugCmd.AddCommand(debugManifestCmd)

	// Upload and publish flags are registered so their overrides show up.
	addUploadFlags(debugShowConfigCmd)
	addPublishFlags(debugShowConfigCmd)
	addListFlags(debugShowConfigCmd)
	debugShowConfigCmd.Flags().BoolVar(&showConfigTOMLFlag, "toml", false, "Print as TOML, ready to be used as config.toml")
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging utilities (not for general use)",
	Long:  `Contains helper commands for inspecting the effective configuration and manifests.`,
}

// --- debug show-config ---

var debugShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the fully loaded configuration object",
	Long: `Loads configuration via flags, environment and config file (respecting precedence)
and prints the final resulting configuration to stdout, as JSON by default.
Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Redacted(globalConfig)
		if showConfigTOMLFlag {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		}
		jsonBytes, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
		return nil
	},
}

// --- debug manifest ---

var debugManifestCmd = &cobra.Command{
	Use:   "manifest <manifest.toml>",
	Short: "Validate a manifest and print what would be sent, without contacting the platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}
		modelFields, err := m.ModelFields()
		if err != nil {
			return err
		}
		if modelFields, err = publisher.NormalizeModelFields(modelFields); err != nil {
			return err
		}
		versionFields, err := m.VersionFields()
		if err != nil {
			return err
		}
		// A model that does not exist yet has no id; check the version as if it did.
		modelID := max(m.Model.ID, 1)
		if versionFields, err = publisher.NormalizeVersionFields(modelID, versionFields, globalConfig.Publish.DefaultBaseModel); err != nil {
			return err
		}
		images, err := m.ImageSpecs()
		if err != nil {
			return err
		}

		mode, at, publish := m.ShouldPublish()
		out := map[string]any{
			"identity": m.Key(),
			"model":    modelFields,
			"version":  versionFields,
			"files":    m.FileSpecs(),
			"images":   images,
		}
		if publish {
			out["publish"] = map[string]any{"mode": mode, "at": at}
		}
		if len(m.Associations) > 0 {
			out["associations"] = m.Associations
		}
		jsonBytes, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
		return nil
	},
}
