package guard

import (
	"log/slog"
	"strings"
)

// Classifier decides whether a page is worth monitoring for checkouts.
type Classifier struct {
	Paths     []string
	Selectors []string
	logger    *slog.Logger
}

// NewClassifier builds a classifier from rules.
func NewClassifier(r Rules, logger *slog.Logger) *Classifier {
	return &Classifier{Paths: r.CheckoutPaths, Selectors: r.ButtonSelectors, logger: logger}
}

// Classify reports whether url contains a checkout path or doc contains at
// least one purchase button. Query failures count as no match.
func (c *Classifier) Classify(url string, doc Document) bool {
	for _, p := range c.Paths {
		if strings.Contains(url, p) {
			return true
		}
	}
	if doc == nil {
		return false
	}
	for _, sel := range c.Selectors {
		els, err := doc.QueryAll(sel)
		if err != nil {
			c.logger.Debug("classifier query failed", "selector", sel, "err", err)
			continue
		}
		if len(els) > 0 {
			return true
		}
	}
	return false
}
