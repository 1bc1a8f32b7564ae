package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/socmind/socmind/internal/config"
)

var (
	controlGateway   string
	autoPauseOff     bool
	autoPauseLimit   int
	controlCallLimit = 10 * time.Second
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Adjust reply pacing on a running gateway",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var controlPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop programs from replying",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "pause-chat", nil)
	},
}

var controlResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume replies and replay the latest held message per chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "resume-chat", nil)
	},
}

var controlDelayCmd = &cobra.Command{
	Use:   "delay <milliseconds>",
	Short: "Set the pause before each reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("delay must be a non-negative integer, got %q", args[0])
		}
		return runControl(cmd, "set-chat-delay", map[string]any{"delay": ms})
	},
}

var controlAutoPauseCmd = &cobra.Command{
	Use:   "autopause",
	Short: "Enable or disable auto-pause after N program messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"enabled": !autoPauseOff}
		if autoPauseLimit > 0 {
			body["threshold"] = autoPauseLimit
		}
		return runControl(cmd, "set-auto-pause", body)
	},
}

var controlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current pacing state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl(cmd, "auto-pause-status", nil)
	},
}

func init() {
	controlCmd.PersistentFlags().StringVar(&controlGateway, "gateway", "", "gateway base URL (default from config)")
	controlAutoPauseCmd.Flags().BoolVar(&autoPauseOff, "off", false, "disable auto-pause")
	controlAutoPauseCmd.Flags().IntVar(&autoPauseLimit, "threshold", 0, "program messages allowed since the last human message")

	controlCmd.AddCommand(controlPauseCmd)
	controlCmd.AddCommand(controlResumeCmd)
	controlCmd.AddCommand(controlDelayCmd)
	controlCmd.AddCommand(controlAutoPauseCmd)
	controlCmd.AddCommand(controlStatusCmd)
}

func gatewayURL() string {
	if controlGateway != "" {
		return strings.TrimSuffix(controlGateway, "/")
	}
	cfg, err := config.Load()
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
}

func runControl(cmd *cobra.Command, action string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), controlCallLimit)
	defer cancel()
	out, err := callControl(ctx, gatewayURL(), action, body)
	if err != nil {
		return err
	}
	if msg, ok := out["message"].(string); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("✓"), msg)
		return nil
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}

// callControl posts to /api/program/<action> and decodes the JSON reply.
func callControl(ctx context.Context, baseURL, action string, body any) (map[string]any, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/program/"+action, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway reply: %w", err)
	}
	if resp.StatusCode >= 300 {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("gateway: %s", msg)
		}
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}
	return out, nil
}
