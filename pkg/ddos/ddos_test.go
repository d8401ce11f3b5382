package ddos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationSixthRequestRateLimitedThenBanned(t *testing.T) {
	cfg := Config{
		MaxMessagesPerSecond: 5,
		SlidingWindow:        time.Second,
		ConnectionLimit:      20,
		ViolationsBeforeBan:  2,
		BanDuration:          60 * time.Second,
		PermanentBanAfter:    3,
		ReputationThreshold:  -50,
		SlowLorisThreshold:   10 * time.Second,
	}
	p := New(cfg, nil, nil)
	now := time.Now()
	ip := "203.0.113.9"

	for i := 0; i < 5; i++ {
		out := p.CheckRequest(ip, now)
		require.Equal(t, Allow, out.Kind)
	}

	sixth := p.CheckRequest(ip, now)
	assert.Equal(t, RateLimit, sixth.Kind)

	seventh := p.CheckRequest(ip, now)
	assert.Equal(t, RateLimit, seventh.Kind)

	blockCheck := p.CheckConnection(ip, now)
	assert.Equal(t, Block, blockCheck.Kind)
	assert.Equal(t, now.Add(cfg.BanDuration).Unix(), blockCheck.ExpiresAtUnix)

	afterExpiry := now.Add(61 * time.Second)
	removed := p.blocklist.Cleanup(afterExpiry)
	assert.Equal(t, 1, removed)

	allowed := p.CheckConnection(ip, afterExpiry)
	assert.Equal(t, Allow, allowed.Kind)
}

func TestWhitelistBypassesEverything(t *testing.T) {
	p := New(DefaultConfig(), []string{"10.0.0.1"}, nil)
	out := p.CheckConnection("10.0.0.1", time.Now())
	assert.Equal(t, Allow, out.Kind)
}

func TestConnectionLimitRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionLimit = 2
	p := New(cfg, nil, nil)
	now := time.Now()
	ip := "198.51.100.5"

	assert.Equal(t, Allow, p.CheckConnection(ip, now).Kind)
	assert.Equal(t, Allow, p.CheckConnection(ip, now).Kind)
	assert.Equal(t, RateLimit, p.CheckConnection(ip, now).Kind)
}

func TestHandshakeWatchdogReportsTimedOutHandshake(t *testing.T) {
	p := New(DefaultConfig(), nil, nil)
	now := time.Now()
	ip := "192.0.2.77"
	p.BeginHandshake(ip, now)

	p.watchdog.CleanupTimedOut(now.Add(time.Second)) // not yet timed out
	assert.True(t, p.reputation.HasGoodReputation(ip))

	timedOut := p.watchdog.CleanupTimedOut(now.Add(11 * time.Second))
	require.Equal(t, []string{ip}, timedOut)
}
