/*Package twin implements the server-side device twin for relay devices.

The twin is the authoritative record of one physical device's believed state.
Devices report their state asynchronously over the broker; the apply functions
in this package fold those reports into the twin. All apply functions are
idempotent under identical repeated input and bump LastSeen to the report's
timestamp.
*/
package twin

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RelayState is the believed state of the device's relay.
type RelayState string

// Relay states
const (
	RelayUnknown RelayState = "unknown"
	RelayOff     RelayState = "off"
	RelayOn      RelayState = "on"
)

// SyncState describes how the applied schedule relates to the desired one.
type SyncState string

// Schedule sync states
const (
	SyncPending  SyncState = "pending"
	SyncInSync   SyncState = "in_sync"
	SyncOutdated SyncState = "outdated"
)

// UpgradeState is the state of a firmware upgrade, both on the twin and on
// individual upgrade log entries.
type UpgradeState string

// Firmware upgrade states
const (
	UpgradeNone     UpgradeState = "none"
	UpgradePending  UpgradeState = "pending"
	UpgradeSuccess  UpgradeState = "success"
	UpgradeMismatch UpgradeState = "mismatch"
	UpgradeFailed   UpgradeState = "failed"
)

// DefaultDelayDurationMinutes is the delay window used when a device has no
// explicit configuration.
const DefaultDelayDurationMinutes = 30

// ErrReasonRequired is returned by ResetUptime when no reason is given.
var ErrReasonRequired = errors.New("reset reason is required")

// Device is the twin record of one relay device.
type Device struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Serial    string    `json:"serial"`
	ModuleID  string    `json:"module_id,omitempty"`
	AuthToken string    `json:"-"`
	Active    bool      `json:"active"`

	RelayState           RelayState `json:"relay_state"`
	LastSeen             time.Time  `json:"last_seen"`
	OnSince              *time.Time `json:"on_since,omitempty"`
	TotalOnMinutes       int        `json:"total_on_minutes"`
	DelayDurationMinutes int        `json:"delay_duration_minutes"`
	DelayActive          bool       `json:"delay_active"`
	DelayStartedAt       *time.Time `json:"delay_started_at,omitempty"`
	DelayEndAt           *time.Time `json:"delay_end_at,omitempty"`
	ManualOverride       bool       `json:"manual_override"`

	FirmwareVersion            string       `json:"firmware_version,omitempty"`
	FirmwareTargetVersion      string       `json:"firmware_target_version,omitempty"`
	FirmwareUpgradeState       UpgradeState `json:"firmware_upgrade_state"`
	FirmwareUpgradeRequestedAt *time.Time   `json:"firmware_upgrade_requested_at,omitempty"`
	FirmwareUpgradeCompletedAt *time.Time   `json:"firmware_upgrade_completed_at,omitempty"`

	ScheduleDirty          bool       `json:"schedule_dirty"`
	ScheduleVersion        int        `json:"schedule_version"`
	ScheduleAppliedVersion int        `json:"schedule_applied_version"`
	ScheduleLastPushAt     *time.Time `json:"schedule_last_push_at,omitempty"`
	ScheduleLastSyncAt     *time.Time `json:"schedule_last_sync_at,omitempty"`

	LastCommandAt      *time.Time `json:"last_command_at,omitempty"`
	LastCommandPayload string     `json:"last_command_payload,omitempty"`

	AuditNote   string     `json:"audit_note,omitempty"`
	AuditNoteAt *time.Time `json:"audit_note_at,omitempty"`
}

// NewDevice creates a twin for a device that has never been seen before.
// The serial is normalized to lower case, the auth token is generated.
func NewDevice(serial string) *Device {
	serial = strings.ToLower(strings.TrimSpace(serial))
	return &Device{
		ID:                   uuid.New(),
		Name:                 serial,
		Serial:               serial,
		AuthToken:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		Active:               true,
		RelayState:           RelayUnknown,
		DelayDurationMinutes: DefaultDelayDurationMinutes,
		FirmwareUpgradeState: UpgradeNone,
		ScheduleDirty:        true,
	}
}

// SwitchIDDisplay is the identifier shown to operators, the module id with
// the serial as fallback.
func (d *Device) SwitchIDDisplay() string {
	if d.ModuleID != "" {
		return d.ModuleID
	}
	return d.Serial
}

// Online reports whether the device has been seen within the timeout window.
func (d *Device) Online(now time.Time, timeout time.Duration) bool {
	return !d.LastSeen.IsZero() && now.Sub(d.LastSeen) <= timeout
}

// ScheduleSyncState derives the observability sync state from the stored
// schedule fields. It is never used as a gate.
func (d *Device) ScheduleSyncState() SyncState {
	if d.ScheduleDirty {
		return SyncPending
	}
	if d.ScheduleAppliedVersion >= d.ScheduleVersion {
		return SyncInSync
	}
	return SyncOutdated
}

// TotalOnHours returns the accumulated on-time in hours, rounded to two
// decimals, including the live not-yet-folded span if the relay is on.
func (d *Device) TotalOnHours(now time.Time) float64 {
	total := d.TotalOnMinutes
	if d.RelayState == RelayOn && d.OnSince != nil {
		extra := int(now.Sub(*d.OnSince) / time.Minute)
		if extra > 0 {
			total += extra
		}
	}
	return math.Round(float64(total)/60.0*100) / 100
}

// DelayRemainingMinutes returns the remaining delay window in minutes,
// rounded to two decimals, or 0 if no delay is active.
func (d *Device) DelayRemainingMinutes(now time.Time) float64 {
	if !d.DelayActive || d.DelayEndAt == nil {
		return 0
	}
	remaining := d.DelayEndAt.Sub(now).Seconds()
	if remaining < 0 {
		remaining = 0
	}
	return math.Round(remaining/60.0*100) / 100
}

// DelayLocked reports whether the device is in an active, non-expired delay
// window. Relay commands are blocked while a device is delay locked.
func (d *Device) DelayLocked(now time.Time) bool {
	return d.DelayActive && (d.DelayEndAt == nil || d.DelayEndAt.After(now))
}

// AccumulateOnMinutesUntil folds elapsed whole minutes since OnSince into
// TotalOnMinutes and advances OnSince by the folded amount. The sub-minute
// remainder stays unfolded, so a second call for the same instant is a no-op.
func (d *Device) AccumulateOnMinutesUntil(until time.Time) {
	if d.RelayState != RelayOn || d.OnSince == nil || !until.After(*d.OnSince) {
		return
	}
	deltaMin := int(until.Sub(*d.OnSince) / time.Minute)
	if deltaMin > 0 {
		d.TotalOnMinutes += deltaMin
		advanced := d.OnSince.Add(time.Duration(deltaMin) * time.Minute)
		d.OnSince = &advanced
	}
}

// ApplyStateReport applies a reported relay state. Invalid input is coerced
// to unknown. Leaving the on state folds the elapsed on-time first; entering
// it baselines OnSince. Any state other than on clears an active delay.
func (d *Device) ApplyStateReport(state RelayState, at time.Time) {
	if state != RelayOn && state != RelayOff {
		state = RelayUnknown
	}
	old := d.RelayState
	if old == RelayOn && state != RelayOn {
		d.AccumulateOnMinutesUntil(at)
		d.OnSince = nil
	} else if old != RelayOn && state == RelayOn {
		t := at
		d.OnSince = &t
	}
	d.RelayState = state
	d.LastSeen = at
	if state != RelayOn && d.DelayActive {
		d.clearDelay()
	}
}

// ApplyDelayReport applies a device-reported delay flag. When the delay
// becomes active, the end timestamp is derived from the reported remaining
// seconds and the start timestamp is set only if previously unset.
func (d *Device) ApplyDelayReport(active bool, remainingSec int, at time.Time) {
	d.LastSeen = at
	d.DelayActive = active
	if active {
		if remainingSec < 0 {
			remainingSec = 0
		}
		if remainingSec > 0 {
			end := at.Add(time.Duration(remainingSec) * time.Second)
			d.DelayEndAt = &end
		}
		if d.DelayStartedAt == nil {
			t := at
			d.DelayStartedAt = &t
		}
	} else {
		d.DelayStartedAt = nil
		d.DelayEndAt = nil
	}
}

// ApplyScheduleReport records the schedule version the device claims to run.
func (d *Device) ApplyScheduleReport(version int, at time.Time) {
	d.ScheduleAppliedVersion = version
	t := at
	d.ScheduleLastSyncAt = &t
	d.LastSeen = at
}

// ApplyManualOverrideReport syncs the physical override switch flag.
func (d *Device) ApplyManualOverrideReport(override bool, at time.Time) {
	d.ManualOverride = override
	d.LastSeen = at
}

// ApplyIdentityReport syncs the module id the device reports about itself.
func (d *Device) ApplyIdentityReport(moduleID string, at time.Time) {
	if moduleID != "" && d.ModuleID != moduleID {
		d.ModuleID = moduleID
	}
	d.LastSeen = at
}

// ResetUptime zeroes the accumulated on-time. It is operator triggered only
// and requires a reason. The audit note records the previous total; it is
// kept on the twin and also returned.
func (d *Device) ResetUptime(reason string, at time.Time) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", ErrReasonRequired
	}
	before := d.TotalOnMinutes
	d.TotalOnMinutes = 0
	if d.RelayState == RelayOn {
		t := at
		d.OnSince = &t
	} else {
		d.OnSince = nil
	}
	note := fmt.Sprintf("accumulated on-time reset, reason: %s, previous total: %.2f hours",
		reason, math.Round(float64(before)/60.0*100)/100)
	d.AuditNote = note
	noteAt := at
	d.AuditNoteAt = &noteAt
	return note, nil
}

func (d *Device) clearDelay() {
	d.DelayActive = false
	d.DelayStartedAt = nil
	d.DelayEndAt = nil
}

// ClearDelay drops an expired or cancelled delay window.
func (d *Device) ClearDelay() {
	d.clearDelay()
}
