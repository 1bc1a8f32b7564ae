package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/socmind/socmind/internal/config"
)

var (
	configInitForce bool
	configShowPath  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the socmind configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := writeDefaultConfig(configInitForce)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with API keys redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configShowPath)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(redacted(cfg), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// writeDefaultConfig saves the default config at the config path. An
// existing file is only replaced when force is set.
func writeDefaultConfig(force bool) (string, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := config.Save(config.DefaultConfig()); err != nil {
		return "", fmt.Errorf("save config: %w", err)
	}
	return path, nil
}

func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Programs = make([]config.ProgramConfig, len(cfg.Programs))
	for i, pc := range cfg.Programs {
		if pc.APIKey != "" {
			pc.APIKey = "***"
		}
		out.Programs[i] = pc
	}
	return &out
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configShowCmd.Flags().StringVarP(&configShowPath, "config", "c", "", "config file (default ~/.socmind/config.json)")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
