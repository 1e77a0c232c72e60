package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buynothing/guard/lib/collector"
)

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show intervention statistics from a running collector",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	cmd.Flags().String("collector", "http://localhost:10002", "Collector base URL")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("collector")
	asJSON, _ := cmd.Flags().GetBool("json")

	st, err := collector.NewClient(base, nil).Stats(cmd.Context())
	if err != nil {
		if errors.Is(err, collector.ErrNotFound) {
			return fmt.Errorf("no collector at %s", base)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(out, "Interventions today: %d\n", st.InterventionsToday)
	fmt.Fprintf(out, "Total:               %d\n", st.Total)
	fmt.Fprintf(out, "Amount intercepted:  $%.2f\n", st.TotalAmount)
	if st.LastAttempt == nil {
		fmt.Fprintln(out, "Last attempt:        none")
		return nil
	}
	fmt.Fprintf(out, "Last attempt:        %s at %s\n", st.LastAttempt.CartTotal,
		st.LastAttempt.CreatedAt.Local().Format("2006-01-02 15:04"))
	if st.LastAttempt.URL != "" {
		fmt.Fprintf(out, "                     %s\n", st.LastAttempt.URL)
	}
	return nil
}
