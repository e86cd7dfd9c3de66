/*Package schedule materializes the desired schedule entry list for a device.

Schedule authoring lives outside the synchronization engine; this package
only reads the materialized weekday/time/action rows and annotates every
entry with a freshly computed UTC offset for its named timezone. The offset
is recomputed at every sync and never persisted historically, so DST changes
are picked up on the next push.
*/
package schedule

import (
	"context"
	"time"
)

// Action is what the device should do when an entry fires.
type Action string

// Schedule actions
const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Entry is one desired schedule slot, Monday=0 .. Sunday=6.
type Entry struct {
	Weekday   int    `json:"weekday"`
	Hour      int    `json:"hour"`
	Minute    int    `json:"minute"`
	Action    Action `json:"action"`
	OffsetMin int    `json:"offset_min"`
}

// Source provides the materialized desired entry list for a device,
// device-specific entries plus entries shared via group membership.
type Source interface {
	EntriesForDevice(ctx context.Context, deviceID string) ([]Entry, error)
}

// UTCOffsetMinutes returns the current UTC offset of the named timezone in
// minutes. Unknown or empty names fall back to UTC.
func UTCOffsetMinutes(timezone string, now time.Time) int {
	if timezone == "" {
		return 0
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0
	}
	_, offsetSec := now.In(loc).Zone()
	return offsetSec / 60
}

// StaticSource returns a fixed entry list for every device. Used in tests
// and broker-less development setups.
type StaticSource []Entry

// EntriesForDevice implements Source.
func (s StaticSource) EntriesForDevice(ctx context.Context, deviceID string) ([]Entry, error) {
	return []Entry(s), nil
}
