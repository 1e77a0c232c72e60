package guard

import (
	"context"
	"fmt"
	"sync"
)

// Flag names a per-session boolean.
type Flag string

const (
	FlagModalShown    Flag = "buynothing-guard-shown"
	FlagBypassGranted Flag = "buynothing-guard-allow-purchase"
)

// SessionStore holds the flags of one browsing session (one tab). Flags only
// ever go from unset to set; Clear starts a new session. A store may be shared
// by several hosts, so SetIfUnset must be atomic: of all concurrent callers
// for one flag, exactly one gets true.
type SessionStore interface {
	Get(ctx context.Context, f Flag) (bool, error)
	Set(ctx context.Context, f Flag) error
	SetIfUnset(ctx context.Context, f Flag) (bool, error)
	Clear(ctx context.Context) error
}

// MemoryStore is a SessionStore for a single process.
type MemoryStore struct {
	mu    sync.Mutex
	flags map[Flag]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[Flag]bool)}
}

func (m *MemoryStore) Get(_ context.Context, f Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[f], nil
}

func (m *MemoryStore) Set(_ context.Context, f Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[f] = true
	return nil
}

func (m *MemoryStore) SetIfUnset(_ context.Context, f Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags[f] {
		return false, nil
	}
	m.flags[f] = true
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = make(map[Flag]bool)
	return nil
}

// State is the intervention state of a session.
type State int

const (
	StateIdle State = iota
	StateShown
	StateBypassed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateShown:
		return "shown"
	case StateBypassed:
		return "bypassed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decision is the outcome of a click.
type Decision int

const (
	Allow Decision = iota
	Intercept
)

func (d Decision) String() string {
	if d == Intercept {
		return "intercept"
	}
	return "allow"
}

// Choice is the shopper's answer to the intervention surface.
type Choice string

const (
	ChoicePractice Choice = "practice"
	ChoiceSleep    Choice = "sleep"
	ChoiceContinue Choice = "continue"
)

// ParseChoice validates a choice received from a host.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoicePractice, ChoiceSleep, ChoiceContinue:
		return c, nil
	}
	return "", fmt.Errorf("unknown choice %q", s)
}

// Machine is the intervention state machine. Only the first checkout attempt
// of a session is interrupted; after that, and after a bypass, every click
// passes. Callers serialize access.
type Machine struct {
	store SessionStore
}

func NewMachine(store SessionStore) *Machine {
	return &Machine{store: store}
}

// State derives the current state from the session flags.
func (m *Machine) State(ctx context.Context) (State, error) {
	bypass, err := m.store.Get(ctx, FlagBypassGranted)
	if err != nil {
		return StateIdle, fmt.Errorf("read bypass flag: %w", err)
	}
	if bypass {
		return StateBypassed, nil
	}
	shown, err := m.store.Get(ctx, FlagModalShown)
	if err != nil {
		return StateIdle, fmt.Errorf("read shown flag: %w", err)
	}
	if shown {
		return StateShown, nil
	}
	return StateIdle, nil
}

// Click applies a click on an instrumented element. Idle moves to Shown and
// returns Intercept; every other state returns Allow unchanged. The move to
// Shown is claimed atomically in the store, so hosts sharing a session
// intercept at most once between them.
func (m *Machine) Click(ctx context.Context) (Decision, error) {
	bypass, err := m.store.Get(ctx, FlagBypassGranted)
	if err != nil {
		return Allow, fmt.Errorf("read bypass flag: %w", err)
	}
	if bypass {
		return Allow, nil
	}
	claimed, err := m.store.SetIfUnset(ctx, FlagModalShown)
	if err != nil {
		return Allow, fmt.Errorf("claim shown flag: %w", err)
	}
	if !claimed {
		return Allow, nil
	}
	return Intercept, nil
}

// Resolve applies the shopper's choice. Only ChoiceContinue changes state.
func (m *Machine) Resolve(ctx context.Context, c Choice) error {
	if c != ChoiceContinue {
		return nil
	}
	if err := m.store.Set(ctx, FlagBypassGranted); err != nil {
		return fmt.Errorf("set bypass flag: %w", err)
	}
	return nil
}
