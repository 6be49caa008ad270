package recorder

import (
	"sync"
	"testing"
	"time"
)

func TestGuardianUnlimitedNeverTrips(t *testing.T) {
	g := NewGuardian(0, 1<<40, func() { t.Error("onQuota fired with no limit") }, nil)

	if !g.Allow(1 << 30) {
		t.Error("Allow should pass with no limit")
	}
	g.Add(1 << 30)
	if g.Tripped() {
		t.Error("guardian tripped with no limit")
	}
	if g.SessionBytes() != 1<<30 {
		t.Errorf("SessionBytes = %d, want %d", g.SessionBytes(), 1<<30)
	}
}

func TestGuardianRefusesWriteThatWouldCross(t *testing.T) {
	fired := make(chan struct{})
	g := NewGuardian(1000, 0, func() { close(fired) }, nil)

	if !g.Allow(900) {
		t.Fatal("first write under limit refused")
	}
	g.Add(900)

	if g.Allow(200) {
		t.Fatal("write crossing limit was allowed")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onQuota never fired")
	}
	if !g.Tripped() {
		t.Error("guardian should be tripped")
	}
	if g.Allow(1) {
		t.Error("Allow should keep refusing after trip")
	}
}

func TestGuardianTinyQuotaRefusesFirstMediaWrite(t *testing.T) {
	g := NewGuardian(1, 0, nil, nil)

	if g.Allow(8 << 20) {
		t.Fatal("first media write should exceed a one byte quota")
	}
	if !g.Tripped() {
		t.Error("guardian should be tripped")
	}
}

func TestGuardianBaselineCountsTowardLimit(t *testing.T) {
	g := NewGuardian(1000, 950, nil, nil)

	if g.Allow(100) {
		t.Error("baseline plus write crosses limit, should refuse")
	}
	if g.UsedBytes() != 950 {
		t.Errorf("UsedBytes = %d, want 950", g.UsedBytes())
	}
}

func TestGuardianAddTripsButNeverRejects(t *testing.T) {
	fired := make(chan struct{})
	g := NewGuardian(100, 0, func() { close(fired) }, nil)

	g.Add(60)
	g.Add(60)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onQuota never fired from Add")
	}
	if g.SessionBytes() != 120 {
		t.Errorf("SessionBytes = %d, want 120; Add must account even past the limit", g.SessionBytes())
	}
}

func TestGuardianFiresOnQuotaOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 1)
	g := NewGuardian(10, 0, func() {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Allow(100)
			g.Add(100)
		}()
	}
	wg.Wait()
	<-done
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("onQuota fired %d times, want exactly 1", calls)
	}
}
