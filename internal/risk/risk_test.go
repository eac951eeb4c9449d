package risk

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestController(cfg CooldownConfig) (*Controller, *utils.ManualClock) {
	clock := utils.NewManualClock(epoch)
	c := NewController(cfg, nil)
	c.SetClock(clock.Now)
	return c, clock
}

func dur(d time.Duration) *time.Duration { return &d }

func TestRecordRateLimit_RetryAfterWins(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())

	for i := 0; i < 6; i++ {
		got := c.RecordRateLimit(RateLimitEvent{CredentialID: "a", RetryAfter: dur(42 * time.Second)})
		assert.Equal(t, 42*time.Second, got, "attempt %d", i)
	}

	got := c.RecordRateLimit(RateLimitEvent{CredentialID: "a", RetryAfter: dur(5 * time.Hour)})
	assert.Equal(t, time.Hour, got)
}

func TestRecordRateLimit_BackoffMonotoneAndBounded(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())

	var prev time.Duration
	for i := 0; i < 30; i++ {
		got := c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got, time.Hour)
		prev = got
	}
	assert.Equal(t, time.Hour, prev)
}

func TestRecordRateLimit_BackoffCurve(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())

	// Events 1..2 are Low, event 3 reaches the Medium threshold.
	assert.Equal(t, 30*time.Second, c.RecordRateLimit(RateLimitEvent{CredentialID: "a"}))
	assert.Equal(t, 60*time.Second, c.RecordRateLimit(RateLimitEvent{CredentialID: "a"}))
	assert.Equal(t, 180*time.Second, c.RecordRateLimit(RateLimitEvent{CredentialID: "a"}))
	assert.Equal(t, LevelMedium, c.RiskLevel("a"))
}

func TestRecordRateLimit_SetsCooldownUntil(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())

	_, ok := c.CooldownUntil("a")
	assert.False(t, ok)

	d := c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
	until, ok := c.CooldownUntil("a")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(d), until)
}

func TestRecordSuccess_ResetsConsecutiveOnly(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())

	for i := 0; i < 4; i++ {
		c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
	}
	assert.Equal(t, uint64(4), c.ConsecutiveFailures("a"))
	assert.Equal(t, LevelMedium, c.RiskLevel("a"))

	c.RecordSuccess("a")
	assert.Equal(t, uint64(0), c.ConsecutiveFailures("a"))
	assert.Equal(t, LevelMedium, c.RiskLevel("a"))
	assert.Len(t, c.Events("a"), 4)

	// Backoff restarts from base but the risk multiplier still applies.
	got := c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
	assert.Equal(t, time.Duration(float64(30*time.Second)*LevelHigh.Multiplier()), got)
}

func TestRiskLevel_Thresholds(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())
	assert.Equal(t, LevelLow, c.RiskLevel("unknown"))

	levels := map[int]Level{1: LevelLow, 3: LevelMedium, 5: LevelHigh, 10: LevelCritical}
	for i := 1; i <= 10; i++ {
		c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
		if want, ok := levels[i]; ok {
			assert.Equal(t, want, c.RiskLevel("a"), "after %d events", i)
		}
	}
}

func TestRiskLevel_WindowExpiry(t *testing.T) {
	c, clock := newTestController(DefaultCooldownConfig())

	for i := 0; i < 5; i++ {
		c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
	}
	assert.Equal(t, LevelHigh, c.RiskLevel("a"))

	clock.Advance(61 * time.Minute)
	assert.Equal(t, LevelLow, c.RiskLevel("a"))

	c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})
	assert.Len(t, c.Events("a"), 1, "stale events are pruned on write")
}

func TestPrune_CapsCount(t *testing.T) {
	cfg := DefaultCooldownConfig()
	cfg.WindowSize = 3
	c, clock := newTestController(cfg)

	for i := 0; i < 5; i++ {
		c.RecordRateLimit(RateLimitEvent{CredentialID: "a", Message: string(rune('a' + i))})
		clock.Advance(time.Second)
	}
	events := c.Events("a")
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].Message)
	assert.Equal(t, "e", events[2].Message)
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   bool
	}{
		{429, "", true},
		{429, "anything", true},
		{200, "success", false},
		{200, "Rate Limit Exceeded", true},
		{400, `{"error":{"type":"rate_limit_error"}}`, true},
		{403, "RateLimit hit", true},
		{503, "Too Many Requests", true},
		{403, "Quota exceeded for project", true},
		{400, `{"status":"RESOURCE_EXHAUSTED"}`, true},
		{500, "internal error", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRateLimitError(tt.status, tt.body), "%d %q", tt.status, tt.body)
	}
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := ParseRetryAfter("120", epoch)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = ParseRetryAfter(epoch.Add(90*time.Second).Format(http.TimeFormat), epoch)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = ParseRetryAfter(epoch.Add(-time.Minute).Format(http.TimeFormat), epoch)
	assert.False(t, ok, "past dates are not a hint")

	_, ok = ParseRetryAfter("soon", epoch)
	assert.False(t, ok)

	_, ok = ParseRetryAfter("", epoch)
	assert.False(t, ok)
}

func TestEventFromResponse(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	ev := EventFromResponse("cred", 429, h, "slow down", epoch)
	assert.Equal(t, "cred", ev.CredentialID)
	require.NotNil(t, ev.StatusCode)
	assert.Equal(t, 429, *ev.StatusCode)
	require.NotNil(t, ev.RetryAfter)
	assert.Equal(t, 7*time.Second, *ev.RetryAfter)
	assert.Equal(t, "slow down", ev.Message)
}

func TestLevel_StringAndMultiplier(t *testing.T) {
	assert.Equal(t, "low", LevelLow.String())
	assert.Equal(t, "critical", LevelCritical.String())
	assert.Equal(t, 1.0, LevelLow.Multiplier())
	assert.Equal(t, 1.5, LevelMedium.Multiplier())
	assert.Equal(t, 2.0, LevelHigh.Multiplier())
	assert.Equal(t, 3.0, LevelCritical.Multiplier())
}

func TestSetConfig_KeepsHistory(t *testing.T) {
	c, _ := newTestController(DefaultCooldownConfig())
	c.RecordRateLimit(RateLimitEvent{CredentialID: "a"})

	c.SetConfig(CooldownConfig{BaseCooldown: 10 * time.Second, MaxCooldown: 15 * time.Second})

	assert.Equal(t, 15*time.Second, c.Config().MaxCooldown)
	assert.Equal(t, uint64(1), c.ConsecutiveFailures("a"))
	assert.Equal(t, 15*time.Second, c.RecordRateLimit(RateLimitEvent{CredentialID: "a"}))
}
