package guard

import (
	"context"
	"time"
)

// ActionCheckoutDetected is the only action the guard reports.
const ActionCheckoutDetected = "checkoutDetected"

// Detection records one suppressed checkout attempt.
type Detection struct {
	Action    string    `json:"action"`
	CartTotal string    `json:"cartTotal"`
	URL       string    `json:"url,omitempty"`
	Session   string    `json:"session,omitempty"`
	At        time.Time `json:"timestamp"`
}

// Reporter delivers detections to the background collector. The guard calls it
// on its own goroutine and never waits for the result.
type Reporter interface {
	Report(ctx context.Context, d Detection) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, d Detection) error

func (f ReporterFunc) Report(ctx context.Context, d Detection) error {
	return f(ctx, d)
}

type discardReporter struct{}

func (discardReporter) Report(context.Context, Detection) error { return nil }
