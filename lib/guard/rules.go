package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/samber/lo"
)

// Rules holds the heuristics the guard matches pages against. Selector lists
// are ordered; earlier entries win when scraping.
type Rules struct {
	// CheckoutPaths are URL substrings that mark a page as checkout-capable.
	CheckoutPaths []string `json:"checkoutPaths"`
	// ButtonSelectors match purchase-trigger elements. The classifier and the
	// button registry share this list.
	ButtonSelectors []string `json:"buttonSelectors"`
	// CartTotalSelectors are tried in order before the full text scan.
	CartTotalSelectors []string `json:"cartTotalSelectors"`
	// UserNameSelectors locate the signed-in shopper's greeting.
	UserNameSelectors []string `json:"userNameSelectors"`
	// PracticeURL is opened when the shopper picks "practice shopping instead".
	PracticeURL string `json:"practiceURL"`
}

const DefaultPracticeURL = "https://buynothing.replit.app"

// DefaultRules returns the built-in heuristics for the monitored storefront.
func DefaultRules() Rules {
	return Rules{
		CheckoutPaths: []string{
			"gp/buy/spc",
			"checkout/spc",
			"gp/cart/view.html",
			"test-extension",
		},
		ButtonSelectors: []string{
			"#sc-buy-box-ptc-button",
			`[name="placeYourOrder1"]`,
			"#buyNowButton",
			".a-button-primary",
			`[data-testid="checkout-button"]`,
		},
		CartTotalSelectors: []string{
			"#sc-subtotal-amount-activecart .a-price-whole",
			"#sc-subtotal-amount-activecart .a-price-part",
			"#sc-subtotal-amount-activecart .a-price",
			"#sc-subtotal-amount-activecart .a-price-symbol",
			"#sc-subtotal-amount-activecart",
			".grand-total-price .a-price-whole",
			".grand-total-price .a-price",
			"#orderTotal .a-price-whole",
			"#orderTotal .a-price",
			".a-price-whole",
			".pmts-summary-preview-single-item-amount",
			".pmts-instrument-display-amount",
			"#subtotals-marketplace-table .a-price",
			"#subtotals-marketplace-table .a-price-whole",
			".a-price-range .a-price-whole",
			".a-price.a-text-price.a-size-medium.a-color-price .a-price-whole",
			".a-price .a-price-whole",
			`[data-testid="order-summary-total"] .a-price`,
			".a-price",
		},
		UserNameSelectors: []string{
			"#nav-link-accountList-nav-line-1",
			"#nav-link-accountList .nav-line-1",
			`[data-nav-role="signin"] .nav-line-1`,
			"#nav-link-accountList span:first-child",
			".nav-line-1",
			`[data-csa-c-content-id="nav_ya_signin"] .nav-line-1`,
		},
		PracticeURL: DefaultPracticeURL,
	}
}

// normalize trims entries, drops blanks and duplicates (keeping first
// occurrence order) and fills empty lists from the defaults.
func (r Rules) normalize() Rules {
	def := DefaultRules()
	clean := func(in, fallback []string) []string {
		out := lo.Uniq(lo.FilterMap(in, func(s string, _ int) (string, bool) {
			s = strings.TrimSpace(s)
			return s, s != ""
		}))
		if len(out) == 0 {
			return fallback
		}
		return out
	}
	r.CheckoutPaths = clean(r.CheckoutPaths, def.CheckoutPaths)
	r.ButtonSelectors = clean(r.ButtonSelectors, def.ButtonSelectors)
	r.CartTotalSelectors = clean(r.CartTotalSelectors, def.CartTotalSelectors)
	r.UserNameSelectors = clean(r.UserNameSelectors, def.UserNameSelectors)
	r.PracticeURL = strings.TrimSpace(r.PracticeURL)
	if r.PracticeURL == "" {
		r.PracticeURL = def.PracticeURL
	}
	return r
}

// ParseRules decodes a YAML (or JSON) rules document. Lists left out of the
// document keep their defaults.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	return r.normalize(), nil
}

// LoadRules reads rules from path.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// WatchRules reloads the rules file whenever it changes and hands every
// successfully parsed version to apply. It blocks until ctx is done. The parent
// directory is watched so editors that replace the file atomically are seen.
func WatchRules(ctx context.Context, path string, logger *slog.Logger, apply func(Rules)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rules path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch rules dir: %w", err)
	}

	// editors emit several events per save; settle before re-reading
	const settle = 100 * time.Millisecond
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(settle)
		case <-reload:
			reload = nil
			rules, err := LoadRules(abs)
			if err != nil {
				logger.Warn("ignoring invalid rules file", "path", abs, "err", err)
				continue
			}
			logger.Info("rules reloaded", "path", abs,
				"checkoutPaths", len(rules.CheckoutPaths),
				"buttonSelectors", len(rules.ButtonSelectors))
			apply(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("rules watcher error", "err", err)
		}
	}
}
