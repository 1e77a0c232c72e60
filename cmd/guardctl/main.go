package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/buynothing/guard/lib/guard"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "guardctl",
		Short:         "Inspect and exercise the checkout guard offline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("rules", "", "YAML rules file (defaults to the built-in rules)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log guard decisions to stderr")

	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(statsCmd())
	return rootCmd
}

func loadRules(cmd *cobra.Command) (guard.Rules, error) {
	path, _ := cmd.Flags().GetString("rules")
	if path == "" {
		return guard.DefaultRules(), nil
	}
	return guard.LoadRules(path)
}

func cmdLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// readPage returns the HTML of path, or of stdin when path is "-".
func readPage(cmd *cobra.Command, path string) (string, error) {
	if path == "" {
		return "<html><body></body></html>", nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(data), nil
}
