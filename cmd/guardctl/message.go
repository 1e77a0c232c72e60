package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/buynothing/guard/lib/guard"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Compose an intervention message",
		Long: `Compose the message the intervention would show.

Without --hour the current local hour is used. Without --index a template is
picked at random from the hour's bucket; --all prints every template.`,
		Args: cobra.NoArgs,
		RunE: runMessage,
	}
	cmd.Flags().Int("hour", -1, "Hour of day (0-23)")
	cmd.Flags().String("total", "", "Cart total, e.g. $183.55")
	cmd.Flags().String("name", "", "Shopper name")
	cmd.Flags().Int("index", -1, "Template index within the bucket")
	cmd.Flags().Bool("all", false, "Print every template of the bucket")
	cmd.Flags().Bool("html", false, "Print the price-highlighted HTML")
	return cmd
}

func runMessage(cmd *cobra.Command, args []string) error {
	hour, _ := cmd.Flags().GetInt("hour")
	total, _ := cmd.Flags().GetString("total")
	name, _ := cmd.Flags().GetString("name")
	index, _ := cmd.Flags().GetInt("index")
	all, _ := cmd.Flags().GetBool("all")
	asHTML, _ := cmd.Flags().GetBool("html")

	if hour == -1 {
		hour = time.Now().Hour()
	}
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour must be between 0 and 23, got %d", hour)
	}
	bucket := guard.BucketFor(hour)

	var indexes []int
	switch {
	case all:
		for i := range guard.TemplateCount(bucket) {
			indexes = append(indexes, i)
		}
	case index >= 0:
		indexes = []int{index}
	}

	out := cmd.OutOrStdout()
	emit := func(msg string) {
		if asHTML {
			msg = guard.HighlightPrices(msg)
		}
		fmt.Fprintln(out, msg)
	}

	if len(indexes) == 0 {
		now := time.Date(2000, 1, 1, hour, 0, 0, 0, time.Local)
		emit(guard.NewComposer(nil).Compose(now, total, name))
		return nil
	}
	for _, i := range indexes {
		msg, err := guard.Render(bucket, i, hour, total, name)
		if err != nil {
			return err
		}
		emit(msg)
	}
	return nil
}
