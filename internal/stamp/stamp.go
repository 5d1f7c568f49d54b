// Package stamp provides change stamps for cross-device ordering.
//
// Every captured local write carries a Stamp: the device that produced it,
// a globally unique operation ID for idempotent replay, a hybrid logical
// clock (HLC) string that is lexicographically comparable across devices,
// and a per-device monotonic counter. Conflict resolution orders versions
// by (clock, hlc), so both values must never move backwards for a device.
package stamp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stamp identifies a single captured operation.
type Stamp struct {
	// DeviceID is the originating device (UUID, persisted per device).
	DeviceID string `json:"device_id"`

	// OpID is unique per operation and used for idempotent replay.
	OpID string `json:"op_id"`

	// HLC is a hybrid logical clock string. Fixed-width encoding keeps
	// lexicographic order equal to causal order.
	HLC string `json:"hlc"`

	// Clock is the per-device monotonic counter. It never decreases.
	Clock int64 `json:"clock"`
}

// Compare orders two stamps by (Clock, HLC).
//
// Returns -1 if a orders before b, +1 if after, 0 if equal.
// The ordering is total: equal clocks fall back to the HLC string,
// which embeds the device ID as a final tie-break.
func Compare(a, b Stamp) int {
	if a.Clock != b.Clock {
		if a.Clock < b.Clock {
			return -1
		}
		return 1
	}
	if a.HLC != b.HLC {
		if a.HLC < b.HLC {
			return -1
		}
		return 1
	}
	return 0
}

// Clock issues stamps for one device.
//
// It is safe for concurrent use. The wall component of the HLC is frozen
// at the last observed value when the system clock moves backwards, so
// issued HLC strings are strictly increasing per device.
type Clock struct {
	mu       sync.Mutex
	deviceID string
	counter  int64
	lastWall int64
	logical  int64
	now      func() time.Time
}

// NewClock creates a clock for the given device ID.
func NewClock(deviceID string) *Clock {
	return &Clock{
		deviceID: deviceID,
		now:      time.Now,
	}
}

// Restore initializes the clock from persisted state. The counter is the
// last persisted per-device counter; lastHLC is the last issued HLC string
// (may be empty on first run).
func (c *Clock) Restore(counter int64, lastHLC string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter > c.counter {
		c.counter = counter
	}
	if lastHLC == "" {
		return
	}
	if wall, logical, ok := parseHLC(lastHLC); ok {
		c.lastWall = wall
		c.logical = logical
	}
}

// DeviceID returns the device this clock stamps for.
func (c *Clock) DeviceID() string {
	return c.deviceID
}

// Counter returns the current per-device counter without advancing it.
func (c *Clock) Counter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// Next issues a fresh stamp and advances the clock.
func (c *Clock) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++

	wall := c.now().UnixMilli()
	if wall <= c.lastWall {
		// Wall clock stalled or went backwards: keep the last wall value
		// and bump the logical component instead.
		wall = c.lastWall
		c.logical++
	} else {
		c.lastWall = wall
		c.logical = 0
	}

	return Stamp{
		DeviceID: c.deviceID,
		OpID:     uuid.New().String(),
		HLC:      formatHLC(wall, c.logical, c.deviceID),
		Clock:    c.counter,
	}
}

// Observe advances the clock past a remote HLC so that locally issued
// stamps order after everything this device has already seen.
func (c *Clock) Observe(remoteHLC string) {
	wall, logical, ok := parseHLC(remoteHLC)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if wall > c.lastWall {
		c.lastWall = wall
		c.logical = logical
	} else if wall == c.lastWall && logical > c.logical {
		c.logical = logical
	}
}

// formatHLC encodes wall millis and the logical counter as fixed-width hex
// so that string comparison matches numeric comparison. The device suffix
// breaks ties between devices that produce the same (wall, logical) pair.
func formatHLC(wallMillis, logical int64, deviceID string) string {
	suffix := deviceID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%013x-%04x-%s", wallMillis, logical, suffix)
}

// parseHLC decodes the wall and logical components of an HLC string.
func parseHLC(hlc string) (wall, logical int64, ok bool) {
	parts := strings.SplitN(hlc, "-", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	wall, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	logical, err = strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return 0, 0, false
	}
	return wall, logical, true
}
