package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/buynothing/guard/lib/guard"
	"github.com/buynothing/guard/lib/htmldom"
)

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <url> <page.html|->",
		Short: "Run the guard against a saved page and click checkout",
		Long: `Load a saved page into an in-memory document, run the guard over it and
click the first protected purchase button. The intervention is answered with
--choice, then the button is clicked again to show the resulting state.`,
		Args: cobra.ExactArgs(2),
		RunE: runSimulate,
	}
	cmd.Flags().Int("hour", -1, "Hour of day the click happens at (0-23)")
	cmd.Flags().String("choice", string(guard.ChoiceSleep), "Answer to the intervention: practice, sleep or continue")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	rules, err := loadRules(cmd)
	if err != nil {
		return err
	}
	rawChoice, _ := cmd.Flags().GetString("choice")
	choice, err := guard.ParseChoice(rawChoice)
	if err != nil {
		return err
	}
	hour, _ := cmd.Flags().GetInt("hour")
	now := time.Now()
	if hour >= 0 {
		y, m, d := now.Date()
		now = time.Date(y, m, d, hour%24, 0, 0, 0, now.Location())
	}

	source, err := readPage(cmd, args[1])
	if err != nil {
		return err
	}
	doc, err := htmldom.New(args[0], source)
	if err != nil {
		return err
	}

	const reloadDelay = 10 * time.Millisecond
	g := guard.New(doc, guard.Options{
		Rules:       rules,
		Session:     "guardctl",
		Logger:      cmdLogger(cmd),
		Now:         func() time.Time { return now },
		ReloadDelay: reloadDelay,
	})

	out := cmd.OutOrStdout()
	if !g.Initialize() {
		fmt.Fprintln(out, "not a checkout page, nothing to guard")
		return nil
	}
	fmt.Fprintf(out, "protected buttons: %d\n", g.Instrumented())

	button, err := firstButton(doc, rules)
	if err != nil {
		return err
	}
	prevented, err := doc.Click(button)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "first click prevented: %t\n", prevented)

	if p, ok := doc.Prompt(); ok {
		fmt.Fprintf(out, "cart total: %s\n", p.CartTotal)
		fmt.Fprintf(out, "message: %s\n", p.Message)
		if err := doc.Choose(choice); err != nil {
			return err
		}
		fmt.Fprintf(out, "answered: %s\n", choice)
	}
	if choice == guard.ChoiceContinue {
		// the bypass reloads the page; wait for it before clicking again
		deadline := time.Now().Add(time.Second)
		for doc.Reloads() == 0 && time.Now().Before(deadline) {
			time.Sleep(reloadDelay)
		}
		g.Initialize()
		if button, err = firstButton(doc, rules); err != nil {
			return err
		}
	}
	for _, u := range doc.Opened() {
		fmt.Fprintf(out, "opened: %s\n", u)
	}

	prevented, err = doc.Click(button)
	if err != nil {
		return err
	}
	state, err := g.State()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "second click prevented: %t\n", prevented)
	fmt.Fprintf(out, "state: %s\n", state)
	return nil
}

func firstButton(doc *htmldom.Document, rules guard.Rules) (guard.Element, error) {
	for _, sel := range rules.ButtonSelectors {
		if el := doc.Find(sel); el != nil {
			return el, nil
		}
	}
	return nil, fmt.Errorf("page has no purchase button to click")
}
