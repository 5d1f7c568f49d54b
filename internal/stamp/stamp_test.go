package stamp

import (
	"testing"
	"time"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Stamp
		want int
	}{
		{"higher clock wins", Stamp{Clock: 7}, Stamp{Clock: 5}, 1},
		{"lower clock loses", Stamp{Clock: 5}, Stamp{Clock: 7}, -1},
		{"equal clock falls back to hlc", Stamp{Clock: 5, HLC: "bbb"}, Stamp{Clock: 5, HLC: "aaa"}, 1},
		{"equal clock lower hlc", Stamp{Clock: 5, HLC: "aaa"}, Stamp{Clock: 5, HLC: "bbb"}, -1},
		{"identical", Stamp{Clock: 5, HLC: "aaa"}, Stamp{Clock: 5, HLC: "aaa"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			// Commutative in outcome: swapping arguments flips the sign.
			if got := Compare(tt.b, tt.a); got != -tt.want {
				t.Errorf("Compare() reversed = %d, want %d", got, -tt.want)
			}
		})
	}
}

func TestClockNextMonotonic(t *testing.T) {
	c := NewClock("device-1")

	var prev Stamp
	for i := 0; i < 100; i++ {
		s := c.Next()
		if s.Clock != int64(i+1) {
			t.Fatalf("expected clock %d, got %d", i+1, s.Clock)
		}
		if prev.HLC != "" && s.HLC <= prev.HLC {
			t.Fatalf("HLC not strictly increasing: %q then %q", prev.HLC, s.HLC)
		}
		prev = s
	}
}

func TestClockWallRegression(t *testing.T) {
	base := time.Now()
	times := []time.Time{base, base.Add(-5 * time.Second), base.Add(-time.Second)}
	idx := 0

	c := NewClock("device-1")
	c.now = func() time.Time {
		t := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return t
	}

	a := c.Next()
	b := c.Next() // wall went backwards
	d := c.Next()

	if !(a.HLC < b.HLC && b.HLC < d.HLC) {
		t.Errorf("HLC not increasing across wall regression: %q %q %q", a.HLC, b.HLC, d.HLC)
	}
}

func TestClockRestore(t *testing.T) {
	c := NewClock("device-1")
	c.Restore(42, "")

	s := c.Next()
	if s.Clock != 43 {
		t.Errorf("expected restored counter to continue at 43, got %d", s.Clock)
	}
}

func TestClockObserve(t *testing.T) {
	c := NewClock("device-1")
	future := time.Now().Add(time.Hour).UnixMilli()
	remote := formatHLC(future, 3, "device-2")

	c.Observe(remote)
	s := c.Next()

	if s.HLC <= remote {
		t.Errorf("stamp after Observe should order after remote: %q <= %q", s.HLC, remote)
	}
}

func TestOpIDUnique(t *testing.T) {
	c := NewClock("device-1")
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := c.Next()
		if seen[s.OpID] {
			t.Fatalf("duplicate op id: %s", s.OpID)
		}
		seen[s.OpID] = true
	}
}
