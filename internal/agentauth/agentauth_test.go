package agentauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetops/agentmanager/internal/logging"
)

type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time                        { return c.now }
func (c *mockClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- c.now.Add(d); return ch }
func (c *mockClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *mockClock) Advance(d time.Duration)                { c.now = c.now.Add(d) }

func newTestTracker() (*Tracker, *mockClock) {
	clk := &mockClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewTracker(clk, logging.New(false)), clk
}

func TestHeadersForFormats(t *testing.T) {
	h := HeadersFor(FormatServicePrefixed, "tok")
	if h["Authorization"] != "Bearer service:tok" {
		t.Fatalf("unexpected header: %v", h)
	}
	h = HeadersFor(FormatRawBearer, "tok")
	if h["Authorization"] != "Bearer tok" {
		t.Fatalf("unexpected header: %v", h)
	}
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 480 * time.Second},
		{4, 900 * time.Second}, // 2^4*60=960s, capped to 900s
		{10, 900 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDuration(c.n); got != c.want {
			t.Errorf("backoffDuration(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestRecordFailureAdvancesBackoff(t *testing.T) {
	tr, clk := newTestTracker()
	key := "agent-1|a|main"

	tr.RecordFailure(key)
	ok, wait := tr.CanAttempt(key)
	if ok || wait != 30*time.Second {
		t.Fatalf("expected blocked for 30s, got ok=%v wait=%v", ok, wait)
	}

	clk.Advance(31 * time.Second)
	ok, _ = tr.CanAttempt(key)
	if !ok {
		t.Fatalf("expected unblocked after backoff elapses")
	}
}

func TestCircuitOpensAfterTenFailures(t *testing.T) {
	tr, _ := newTestTracker()
	key := "agent-1|a|main"

	for i := 0; i < 10; i++ {
		tr.RecordFailure(key)
	}
	if !tr.IsCircuitOpen(key) {
		t.Fatalf("expected circuit open after 10 consecutive failures")
	}
	ok, wait := tr.CanAttempt(key)
	if ok || wait != 0 {
		t.Fatalf("expected circuit-open block with no wait duration, got ok=%v wait=%v", ok, wait)
	}
}

func TestResetCircuitClearsState(t *testing.T) {
	tr, _ := newTestTracker()
	key := "agent-1|a|main"
	for i := 0; i < 10; i++ {
		tr.RecordFailure(key)
	}
	tr.ResetCircuit(key)
	if tr.IsCircuitOpen(key) {
		t.Fatalf("expected circuit cleared after manual reset")
	}
	ok, _ := tr.CanAttempt(key)
	if !ok {
		t.Fatalf("expected attempts allowed after reset")
	}
}

func TestRecordSuccessClearsBackoffKeepsFormatCache(t *testing.T) {
	tr, _ := newTestTracker()
	key := "agent-1|a|main"
	tr.RecordFailure(key)

	ctx := context.Background()
	probe := func(ctx context.Context, headers map[string]string) (bool, error) {
		return headers["Authorization"] == "Bearer service:tok", nil
	}
	format, err := tr.DetectFormat(ctx, key, "tok", probe)
	if err != nil || format != FormatServicePrefixed {
		t.Fatalf("DetectFormat: format=%v err=%v", format, err)
	}

	tr.RecordSuccess(key)
	if tr.CachedFormat(key) != FormatServicePrefixed {
		t.Fatalf("expected cached format kept on success")
	}
	ok, wait := tr.CanAttempt(key)
	if !ok || wait != 0 {
		t.Fatalf("expected clean state after success, got ok=%v wait=%v", ok, wait)
	}
}

func TestDetectFormatCachesFirstAcceptedFormat(t *testing.T) {
	tr, _ := newTestTracker()
	key := "agent-1|a|main"
	ctx := context.Background()

	calls := 0
	probe := func(ctx context.Context, headers map[string]string) (bool, error) {
		calls++
		return headers["Authorization"] == "Bearer tok", nil // only raw bearer accepted
	}

	format, err := tr.DetectFormat(ctx, key, "tok", probe)
	if err != nil || format != FormatRawBearer {
		t.Fatalf("DetectFormat: format=%v err=%v", format, err)
	}
	if calls != 2 {
		t.Fatalf("expected service-prefixed tried before raw bearer, calls=%d", calls)
	}

	calls = 0
	format, err = tr.DetectFormat(ctx, key, "tok", probe)
	if err != nil || format != FormatRawBearer {
		t.Fatalf("cached DetectFormat: format=%v err=%v", format, err)
	}
	if calls != 0 {
		t.Fatalf("expected cached format to skip probing, calls=%d", calls)
	}
}

func TestDetectFormatReturnsErrorWhenNoneAccepted(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	probe := func(ctx context.Context, headers map[string]string) (bool, error) {
		return false, nil
	}
	if _, err := tr.DetectFormat(ctx, "agent-1|a|main", "tok", probe); err == nil {
		t.Fatalf("expected error when no format is accepted")
	}
}

func TestDetectFormatPropagatesProbeError(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	boom := errors.New("connection refused")
	probe := func(ctx context.Context, headers map[string]string) (bool, error) {
		return false, boom
	}
	_, err := tr.DetectFormat(ctx, "agent-1|a|main", "tok", probe)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped probe error, got %v", err)
	}
}
