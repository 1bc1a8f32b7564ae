package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/socmind/socmind/internal/config"
	"github.com/socmind/socmind/internal/doctor"
)

var (
	doctorConfigPath string
	doctorJSON       bool
	doctorTimeout    time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check broker, store and gateway connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(doctorConfigPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		opts := doctor.Options{
			TopicPrefix: cfg.Broker.TopicPrefix,
			StoreDriver: cfg.Store.Driver,
			StorePath:   cfg.Store.Path,
			GatewayURL:  gatewayURL(),
			Timeout:     doctorTimeout,
		}
		if cfg.Broker.Driver == config.BrokerKafka {
			opts.KafkaBrokers = cfg.Broker.KafkaBrokers
		}
		report := doctor.Run(cmd.Context(), opts)
		if doctorJSON {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		} else {
			doctor.Print(cmd.OutOrStdout(), report)
		}
		if report.HasFailed {
			return errors.New("one or more checks failed")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVarP(&doctorConfigPath, "config", "c", "", "config file (default ~/.socmind/config.json)")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 5*time.Second, "per-check timeout")
	doctorCmd.PersistentFlags().StringVar(&controlGateway, "gateway", "", "gateway base URL (default from config)")
	rootCmd.AddCommand(doctorCmd)
}
