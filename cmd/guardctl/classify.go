package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buynothing/guard/lib/guard"
	"github.com/buynothing/guard/lib/htmldom"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <url> [page.html|-]",
		Short: "Report whether a page can start a checkout",
		Long: `Classify a URL, optionally together with a saved copy of the page.

The page qualifies when the URL contains a checkout path or the HTML contains
a purchase button. The report also lists the buttons that would be guarded.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runClassify,
	}
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(cmd)
	if err != nil {
		return err
	}
	var file string
	if len(args) == 2 {
		file = args[1]
	}
	source, err := readPage(cmd, file)
	if err != nil {
		return err
	}
	doc, err := htmldom.New(args[0], source)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	checkout := guard.NewClassifier(rules, cmdLogger(cmd)).Classify(args[0], doc)
	fmt.Fprintf(out, "checkout: %t\n", checkout)
	for _, sel := range rules.ButtonSelectors {
		els, err := doc.QueryAll(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		fmt.Fprintf(out, "  %-40s %d\n", sel, len(els))
	}
	return nil
}
