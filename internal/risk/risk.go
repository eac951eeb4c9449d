// Package risk tracks rate-limit events per credential and turns them into
// cooldown durations and a coarse risk level.
package risk

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

// Level is a coarse classification of how often a credential was rate limited
// inside the configured window.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "low"
	}
}

// Multiplier scales the backoff cooldown.
func (l Level) Multiplier() float64 {
	switch l {
	case LevelMedium:
		return 1.5
	case LevelHigh:
		return 2.0
	case LevelCritical:
		return 3.0
	default:
		return 1.0
	}
}

// CooldownConfig holds the backoff and risk classification parameters.
type CooldownConfig struct {
	BaseCooldown  time.Duration
	MaxCooldown   time.Duration
	BackoffFactor float64
	// WindowSize caps the stored events per credential.
	WindowSize int
	// WindowDuration is how far back events count towards the risk level.
	WindowDuration time.Duration

	MediumThreshold   int
	HighThreshold     int
	CriticalThreshold int
}

// DefaultCooldownConfig returns the stock parameters.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		BaseCooldown:      30 * time.Second,
		MaxCooldown:       time.Hour,
		BackoffFactor:     2.0,
		WindowSize:        100,
		WindowDuration:    time.Hour,
		MediumThreshold:   3,
		HighThreshold:     5,
		CriticalThreshold: 10,
	}
}

// withDefaults fills zero fields from DefaultCooldownConfig.
func (c CooldownConfig) withDefaults() CooldownConfig {
	d := DefaultCooldownConfig()
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = d.WindowDuration
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = d.MediumThreshold
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	return c
}

// LevelFor maps an event count onto a Level.
func (c CooldownConfig) LevelFor(count int) Level {
	switch {
	case count >= c.CriticalThreshold:
		return LevelCritical
	case count >= c.HighThreshold:
		return LevelHigh
	case count >= c.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// RateLimitEvent is one detected rate-limit response.
type RateLimitEvent struct {
	CredentialID string
	Timestamp    time.Time
	StatusCode   *int
	Message      string
	RetryAfter   *time.Duration
}

type state struct {
	mu            sync.Mutex
	events        []RateLimitEvent
	consecutive   uint64
	cooldownUntil time.Time
}

// Controller keeps the rate-limit history of every credential.
type Controller struct {
	cfg    atomic.Pointer[CooldownConfig]
	now    utils.Clock
	logger *slog.Logger
	states *haxmap.Map[string, *state]
}

// NewController creates a controller. Zero config fields take their defaults.
func NewController(cfg CooldownConfig, log *slog.Logger) *Controller {
	if log == nil {
		log = logger.Discard()
	}
	c := &Controller{
		now:    utils.NowUTC,
		logger: log,
		states: haxmap.New[string, *state](),
	}
	c.SetConfig(cfg)
	return c
}

// SetClock replaces the time source.
func (c *Controller) SetClock(clock utils.Clock) {
	c.now = clock.OrDefault()
}

// Config returns the effective configuration.
func (c *Controller) Config() CooldownConfig {
	return *c.cfg.Load()
}

// SetConfig swaps the configuration. Recorded events and cooldowns are kept.
func (c *Controller) SetConfig(cfg CooldownConfig) {
	cfg = cfg.withDefaults()
	c.cfg.Store(&cfg)
}

func (c *Controller) stateFor(id string) *state {
	s, _ := c.states.GetOrCompute(id, func() *state { return &state{} })
	return s
}

// RecordRateLimit stores the event and returns the cooldown the credential
// should sit out. A RetryAfter hint always wins over the backoff curve.
func (c *Controller) RecordRateLimit(event RateLimitEvent) time.Duration {
	now := c.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	s := c.stateFor(event.CredentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	s.events = c.prune(s.events, now)
	s.consecutive++

	var cooldown time.Duration
	if event.RetryAfter != nil {
		cooldown = min(max(*event.RetryAfter, 0), c.Config().MaxCooldown)
	} else {
		level := c.Config().LevelFor(c.countInWindow(s.events, now))
		cooldown = c.backoff(s.consecutive, level)
	}
	s.cooldownUntil = now.Add(cooldown)

	c.logger.Debug("Rate limit recorded",
		"credential", event.CredentialID,
		"consecutive", s.consecutive,
		"events_in_window", len(s.events),
		"cooldown", cooldown,
	)
	return cooldown
}

// backoff computes base * factor^(n-1) * multiplier, clamped to MaxCooldown.
func (c *Controller) backoff(consecutive uint64, level Level) time.Duration {
	exp := float64(0)
	if consecutive > 1 {
		exp = float64(consecutive - 1)
	}
	cfg := c.Config()
	d := float64(cfg.BaseCooldown) * math.Pow(cfg.BackoffFactor, exp) * level.Multiplier()
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(cfg.MaxCooldown) {
		return cfg.MaxCooldown
	}
	return time.Duration(d)
}

// prune drops events outside the window, then keeps at most WindowSize newest.
func (c *Controller) prune(events []RateLimitEvent, now time.Time) []RateLimitEvent {
	cutoff := now.Add(-c.Config().WindowDuration)
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	events = events[i:]
	if over := len(events) - c.Config().WindowSize; over > 0 {
		events = events[over:]
	}
	out := make([]RateLimitEvent, len(events))
	copy(out, events)
	return out
}

func (c *Controller) countInWindow(events []RateLimitEvent, now time.Time) int {
	cutoff := now.Add(-c.Config().WindowDuration)
	n := 0
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// RecordSuccess resets the consecutive failure counter. History is kept.
func (c *Controller) RecordSuccess(id string) {
	s, ok := c.states.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.consecutive = 0
	s.mu.Unlock()
}

// RiskLevel classifies id by its events inside the window.
// Unknown ids are LevelLow.
func (c *Controller) RiskLevel(id string) Level {
	s, ok := c.states.Get(id)
	if !ok {
		return LevelLow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.Config().LevelFor(c.countInWindow(s.events, c.now()))
}

// CooldownUntil returns the end of the last computed cooldown.
func (c *Controller) CooldownUntil(id string) (time.Time, bool) {
	s, ok := c.states.Get(id)
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil, !s.cooldownUntil.IsZero()
}

// ConsecutiveFailures returns the number of rate limits since the last success.
func (c *Controller) ConsecutiveFailures(id string) uint64 {
	s, ok := c.states.Get(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

// Events returns a copy of the stored history of id, oldest first.
func (c *Controller) Events(id string) []RateLimitEvent {
	s, ok := c.states.Get(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RateLimitEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Forget drops all state of id.
func (c *Controller) Forget(id string) {
	c.states.Del(id)
}
