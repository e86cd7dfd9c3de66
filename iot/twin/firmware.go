package twin

import (
	"time"

	"github.com/google/uuid"
)

// FirmwareNoteMaxLen bounds the note stored on an upgrade log entry.
const FirmwareNoteMaxLen = 255

// FirmwareLog is one firmware upgrade attempt for a device. At most one
// logically open (pending) entry per device is consulted, the most recent
// one by request time.
type FirmwareLog struct {
	ID              uuid.UUID    `json:"id"`
	DeviceID        uuid.UUID    `json:"device_id"`
	TargetVersion   string       `json:"target_version"`
	ReportedVersion string       `json:"reported_version,omitempty"`
	State           UpgradeState `json:"state"`
	RequestedAt     time.Time    `json:"requested_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	CommandPayload  string       `json:"command_payload,omitempty"`
	Note            string       `json:"note,omitempty"`
}

// firmwareRule is one row of the OTA confirmation table. A version report
// confirms a pending upgrade only when the device explicitly acknowledges
// the upgrade (ota_state "ok") or the reported version actually changed.
// A repeated identical version via routine telemetry never confirms.
type firmwareRule struct {
	otaOK          bool
	versionChanged bool
	confirmed      bool
}

var firmwareRules = []firmwareRule{
	{otaOK: true, versionChanged: true, confirmed: true},
	{otaOK: true, versionChanged: false, confirmed: true},
	{otaOK: false, versionChanged: true, confirmed: true},
	{otaOK: false, versionChanged: false, confirmed: false},
}

func firmwareConfirmed(otaState, prevVersion, reportedVersion string) bool {
	otaOK := otaState == "ok"
	versionChanged := prevVersion != "" && prevVersion != reportedVersion
	for _, rule := range firmwareRules {
		if rule.otaOK == otaOK && rule.versionChanged == versionChanged {
			return rule.confirmed
		}
	}
	return false
}

// ApplyFirmwareReport folds a reported firmware version into the twin and,
// when a pending upgrade is confirmed, resolves it to success or mismatch.
//
// pending is the device's most recent pending upgrade log, or nil. The
// function returns true when the log entry was modified and needs to be
// persisted. Without a log entry, the same confirmation logic is applied
// directly to the twin's own pending upgrade fields; an existing failed
// state is never downgraded to mismatch there.
func (d *Device) ApplyFirmwareReport(pending *FirmwareLog, reportedVersion, otaState string, at time.Time) bool {
	prevVersion := d.FirmwareVersion
	d.FirmwareVersion = reportedVersion
	d.LastSeen = at

	confirmed := firmwareConfirmed(otaState, prevVersion, reportedVersion)

	if pending != nil {
		if !confirmed {
			return false
		}
		state := UpgradeMismatch
		if pending.TargetVersion == reportedVersion {
			state = UpgradeSuccess
		}
		t := at
		pending.ReportedVersion = reportedVersion
		pending.State = state
		pending.CompletedAt = &t
		d.FirmwareUpgradeState = state
		d.FirmwareUpgradeCompletedAt = &t
		return true
	}

	if d.FirmwareTargetVersion != "" && d.FirmwareUpgradeState == UpgradePending && confirmed {
		t := at
		d.FirmwareUpgradeCompletedAt = &t
		if d.FirmwareTargetVersion == reportedVersion {
			d.FirmwareUpgradeState = UpgradeSuccess
		} else if d.FirmwareUpgradeState != UpgradeFailed {
			d.FirmwareUpgradeState = UpgradeMismatch
		}
	}
	return false
}

// ApplyFirmwareUpgradeFeedback handles explicit OTA feedback from the device.
// "failed" and "no_update" force the pending log and the twin to failed.
// The returned bool reports whether the log entry needs to be persisted.
func (d *Device) ApplyFirmwareUpgradeFeedback(pending *FirmwareLog, otaState, note string, at time.Time) bool {
	d.LastSeen = at
	if otaState != "failed" && otaState != "no_update" {
		return false
	}
	t := at
	logChanged := false
	if pending != nil {
		pending.State = UpgradeFailed
		pending.CompletedAt = &t
		if len(note) > FirmwareNoteMaxLen {
			note = note[:FirmwareNoteMaxLen]
		}
		pending.Note = note
		logChanged = true
	}
	d.FirmwareUpgradeState = UpgradeFailed
	d.FirmwareUpgradeCompletedAt = &t
	return logChanged
}
