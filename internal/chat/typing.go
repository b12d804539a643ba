package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	DefaultTypingExpiry   = 2 * time.Second
	DefaultTypingCooldown = 3 * time.Second
	DefaultComposeIdle    = 3 * time.Second
)

type TypingConfig struct {
	Expiry   time.Duration // how long an inbound signal keeps a user visible
	Cooldown time.Duration // minimum spacing of outbound signals
	Idle     time.Duration // local composing flag resets after this much silence
	Clock    clock.Clock
}

func (c TypingConfig) withDefaults() TypingConfig {
	if c.Expiry <= 0 {
		c.Expiry = DefaultTypingExpiry
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultTypingCooldown
	}
	if c.Idle <= 0 {
		c.Idle = DefaultComposeIdle
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type typer struct {
	userID   string
	name     string
	deadline time.Time
}

// Typing tracks who else is typing in one conversation and throttles our own
// typing broadcasts. All timers are released by Close.
type Typing struct {
	cfg      TypingConfig
	self     TypingSignal
	limiter  *rate.Limiter
	emit     func(ctx context.Context, sig TypingSignal) error
	onChange func()

	mu        sync.Mutex
	typers    []typer // first-seen order
	timers    map[*clock.Timer]struct{}
	idleTimer *clock.Timer
	composing bool
	closed    bool
}

// NewTyping builds a coordinator for self. emit sends the outbound signal;
// onChange, if set, is called after the visible typer set may have changed.
func NewTyping(self TypingSignal, emit func(ctx context.Context, sig TypingSignal) error, cfg TypingConfig, onChange func()) *Typing {
	cfg = cfg.withDefaults()
	if onChange == nil {
		onChange = func() {}
	}
	return &Typing{
		cfg:      cfg,
		self:     self,
		limiter:  rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		emit:     emit,
		onChange: onChange,
		timers:   map[*clock.Timer]struct{}{},
	}
}

// InputChanged is called on every local keystroke. It reports whether a
// typing signal was sent; keystrokes inside the cooldown send nothing.
func (t *Typing) InputChanged(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, ErrClosed
	}
	t.composing = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	var idle *clock.Timer
	idle = t.cfg.Clock.AfterFunc(t.cfg.Idle, func() {
		t.mu.Lock()
		if t.idleTimer == idle {
			t.composing = false
			t.idleTimer = nil
		}
		t.mu.Unlock()
	})
	t.idleTimer = idle
	allowed := t.limiter.AllowN(t.cfg.Clock.Now(), 1)
	t.mu.Unlock()

	if !allowed || t.emit == nil {
		return false, nil
	}
	if err := t.emit(ctx, t.self); err != nil {
		return true, fmt.Errorf("broadcast typing: %w", err)
	}
	return true, nil
}

// Composing reports whether the local user typed within the idle window.
func (t *Typing) Composing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.composing
}

// Receive records an inbound signal. Each signal schedules its own removal;
// a user stays visible until the expiry of their latest signal.
func (t *Typing) Receive(sig TypingSignal) {
	if sig.UserID == "" || sig.UserID == t.self.UserID {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	deadline := t.cfg.Clock.Now().Add(t.cfg.Expiry)
	found := false
	for i := range t.typers {
		if t.typers[i].userID == sig.UserID {
			t.typers[i].deadline = deadline
			if sig.DisplayName != "" {
				t.typers[i].name = sig.DisplayName
			}
			found = true
			break
		}
	}
	if !found {
		t.typers = append(t.typers, typer{userID: sig.UserID, name: sig.DisplayName, deadline: deadline})
	}
	var tm *clock.Timer
	tm = t.cfg.Clock.AfterFunc(t.cfg.Expiry, func() { t.expire(tm) })
	t.timers[tm] = struct{}{}
	t.mu.Unlock()

	t.onChange()
}

func (t *Typing) expire(tm *clock.Timer) {
	t.mu.Lock()
	delete(t.timers, tm)
	if t.closed {
		t.mu.Unlock()
		return
	}
	before := len(t.typers)
	t.pruneLocked(t.cfg.Clock.Now())
	changed := len(t.typers) != before
	t.mu.Unlock()

	if changed {
		t.onChange()
	}
}

func (t *Typing) pruneLocked(now time.Time) {
	kept := t.typers[:0]
	for _, ty := range t.typers {
		if ty.deadline.After(now) {
			kept = append(kept, ty)
		}
	}
	t.typers = kept
}

// Typers returns the users currently typing, in first-seen order.
func (t *Typing) Typers() []TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.cfg.Clock.Now()
	out := make([]TypingSignal, 0, len(t.typers))
	for _, ty := range t.typers {
		if ty.deadline.After(now) {
			out = append(out, TypingSignal{UserID: ty.userID, DisplayName: ty.name, ConversationID: t.self.ConversationID})
		}
	}
	return out
}

// Indicator renders the typing line for the current typer set.
func (t *Typing) Indicator() string {
	typers := t.Typers()
	names := make([]string, len(typers))
	for i, ty := range typers {
		names[i] = ty.DisplayName
	}
	return TypingIndicator(names)
}

// Clear drops every visible typer, e.g. when the local user sends a message.
func (t *Typing) Clear() {
	t.mu.Lock()
	had := len(t.typers) > 0
	t.typers = nil
	t.mu.Unlock()
	if had {
		t.onChange()
	}
}

// Close stops every pending timer and disables further broadcasts.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for tm := range t.timers {
		tm.Stop()
	}
	t.timers = map[*clock.Timer]struct{}{}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.composing = false
	t.typers = nil
}

// TypingIndicator renders names: none, one, two, or a count for three or more.
func TypingIndicator(names []string) string {
	display := func(n string) string {
		if n == "" {
			return "Someone"
		}
		return n
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return display(names[0]) + " is typing"
	case 2:
		return display(names[0]) + " and " + display(names[1]) + " are typing"
	default:
		return fmt.Sprintf("%d people are typing", len(names))
	}
}
