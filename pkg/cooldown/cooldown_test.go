package cooldown

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedPolicy(opts ...Option) *Policy {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewPolicy(DefaultSettings(), opts...)
}

func TestCompute(t *testing.T) {
	now := float64(fixedNow.Unix())
	future := strconv.FormatInt(fixedNow.Unix()+900, 10)
	past := strconv.FormatInt(fixedNow.Unix()-5, 10)

	tests := []struct {
		name    string
		status  int
		headers map[string]string
		want    Outcome
	}{
		{"unauthorized", 401, nil, Outcome{401, now + 30*24*3600, ReasonAuthFailed}},
		{"forbidden", 403, nil, Outcome{403, now + 30*24*3600, ReasonAuthFailed}},
		{"not found", 404, nil, Outcome{404, now + 30*24*3600, ReasonAuthFailed}},
		{"rate limit with future reset", 429, map[string]string{"x-rate-limit-reset": future}, Outcome{1, now + 900, ReasonRateLimit}},
		{"rate limit header case", 429, map[string]string{"X-Rate-Limit-Reset": future}, Outcome{1, now + 900, ReasonRateLimit}},
		{"rate limit with past reset", 429, map[string]string{"x-rate-limit-reset": past}, Outcome{1, now + 120, ReasonRateLimit}},
		{"rate limit with garbage reset", 429, map[string]string{"x-rate-limit-reset": "soon"}, Outcome{1, now + 120, ReasonRateLimit}},
		{"rate limit without header", 429, nil, Outcome{1, now + 120, ReasonRateLimit}},
		{"decode failure", 598, nil, Outcome{1, now + 120, ReasonTransient}},
		{"network failure", 599, nil, Outcome{1, now + 120, ReasonTransient}},
		{"bad gateway", 502, nil, Outcome{1, now + 120, ReasonTransient}},
		{"ok", 200, nil, Outcome{1, 0, ""}},
		{"bad request", 400, nil, Outcome{1, 0, ""}},
	}

	p := fixedPolicy(WithoutJitter())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Compute(tt.status, tt.headers))
		})
	}
}

func TestComputeIsDeterministicWithoutJitter(t *testing.T) {
	p := fixedPolicy(WithoutJitter())
	assert.Equal(t, p.Compute(503, nil), p.Compute(503, nil))
}

func TestJitterStaysInRange(t *testing.T) {
	p := fixedPolicy()
	base := float64(fixedNow.Unix()) + 120

	for i := 0; i < 200; i++ {
		out := p.Compute(599, nil)
		assert.GreaterOrEqual(t, out.AvailableTil, base)
		assert.LessOrEqual(t, out.AvailableTil, base+10)
	}
}

func TestFutureResetIgnoresJitter(t *testing.T) {
	p := fixedPolicy(WithJitterSource(func(max float64) float64 { return max }))
	reset := fixedNow.Unix() + 60

	out := p.Compute(429, map[string]string{"x-rate-limit-reset": strconv.FormatInt(reset, 10)})
	assert.Equal(t, float64(reset), out.AvailableTil)

	out = p.Compute(429, nil)
	assert.Equal(t, float64(fixedNow.Unix())+130, out.AvailableTil)
}
