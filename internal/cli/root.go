// Package cli implements the socmind command line.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/socmind/socmind/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  ___  ___   ___ _ __ ___  (_)_ __   __| |\n" +
		" / __|/ _ \\ / __| '_ ` _ \\ | | '_ \\ / _` |\n" +
		" \\__ \\ (_) | (__| | | | | || | | | | (_| |\n" +
		" |___/\\___/ \\___|_| |_| |_||_|_| |_|\\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "socmind",
	Short: "socmind - a society of minds",
	Long:  color.CyanString(logo) + "\nGroup chats between people and language models, with delegation and voting.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "socmind %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(controlCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
