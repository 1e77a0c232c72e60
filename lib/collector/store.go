// Package collector is the background side of the guard: it records every
// suppressed checkout, serves the last attempt and daily statistics, and
// counts detections as an OpenTelemetry metric.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buynothing/guard/lib/guard"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const meterName = "github.com/buynothing/guard/lib/collector"

var (
	ErrNotFound      = errors.New("no checkout attempt recorded")
	ErrUnknownAction = errors.New("unknown action")
)

// Event is one recorded checkout attempt.
type Event struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Action    string    `gorm:"index;not null" json:"action"`
	URL       string    `json:"url"`
	CartTotal string    `json:"cartTotal"`
	Amount    float64   `json:"amount"`
	Session   string    `gorm:"index" json:"session,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"timestamp"`
}

// Stats summarises recorded attempts.
type Stats struct {
	InterventionsToday int64   `json:"interventionsToday"`
	Total              int64   `json:"total"`
	TotalAmount        float64 `json:"totalAmount"`
	LastAttempt        *Event  `json:"lastAttempt,omitempty"`
}

// Store persists events in SQLite.
type Store struct {
	db       *gorm.DB
	detected metric.Int64Counter
	now      func() time.Time
}

var _ guard.Reporter = (*Store)(nil)

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	meters metric.MeterProvider
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *storeOptions) { o.meters = mp }
}

// Open opens (creating if needed) the database at path. ":memory:" keeps
// everything in memory.
func Open(path string, opts ...Option) (*Store, error) {
	o := storeOptions{meters: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	detected, err := o.meters.Meter(meterName).Int64Counter("guard.checkout_detected",
		metric.WithDescription("Checkout attempts intercepted by the guard"),
		metric.WithUnit("{checkout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return &Store{db: db, detected: detected, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores a detection. Only checkoutDetected is accepted.
func (s *Store) Record(ctx context.Context, d guard.Detection) (Event, error) {
	if d.Action != guard.ActionCheckoutDetected {
		return Event{}, fmt.Errorf("%w %q", ErrUnknownAction, d.Action)
	}
	at := d.At
	if at.IsZero() {
		at = s.now()
	}
	amount, _ := ParseAmount(d.CartTotal)
	ev := Event{
		ID:        uuid.NewString(),
		Action:    d.Action,
		URL:       d.URL,
		CartTotal: d.CartTotal,
		Amount:    amount,
		Session:   d.Session,
		CreatedAt: at.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return Event{}, fmt.Errorf("record event: %w", err)
	}
	s.detected.Add(ctx, 1, metric.WithAttributes(attribute.Bool("priced", amount > 0)))
	return ev, nil
}

// Report lets the store be the guard's in-process reporter.
func (s *Store) Report(ctx context.Context, d guard.Detection) error {
	_, err := s.Record(ctx, d)
	return err
}

// Last returns the most recent attempt.
func (s *Store) Last(ctx context.Context) (Event, error) {
	var ev Event
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(1).Find(&ev).Error
	if err != nil {
		return Event{}, fmt.Errorf("load last event: %w", err)
	}
	if ev.ID == "" {
		return Event{}, ErrNotFound
	}
	return ev, nil
}

// Stats summarises everything recorded; "today" is the calendar day of now
// in now's location. Timestamps are stored in UTC so they compare in order.
func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	db := s.db.WithContext(ctx).Model(&Event{})
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	var st Stats
	if err := db.Count(&st.Total).Error; err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Event{}).Where("created_at >= ?", midnight.UTC()).Count(&st.InterventionsToday).Error; err != nil {
		return Stats{}, fmt.Errorf("count today's events: %w", err)
	}
	var sum struct{ Total float64 }
	if err := s.db.WithContext(ctx).Model(&Event{}).Select("COALESCE(SUM(amount), 0) AS total").Scan(&sum).Error; err != nil {
		return Stats{}, fmt.Errorf("sum amounts: %w", err)
	}
	st.TotalAmount = sum.Total

	last, err := s.Last(ctx)
	switch {
	case err == nil:
		st.LastAttempt = &last
	case !errors.Is(err, ErrNotFound):
		return Stats{}, err
	}
	return st, nil
}

// ParseAmount reads a scraped price such as "$1,299.99". The unknown-amount
// sentinel and anything without digits report false.
func ParseAmount(total string) (float64, bool) {
	s := strings.TrimSpace(total)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
