/*Package dispatch builds and publishes device commands.

Relay commands apply an optimistic local twin update regardless of the
publish outcome: the twin transitions immediately, and a failed publish is
surfaced to the caller as a partial-failure signal. Convergence with the
physical device then relies on the device's own status reports.
*/
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/iot"
	"github.com/genemingxingma/iot-control-center/iot/firmware"
	"github.com/genemingxingma/iot-control-center/iot/schedule"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// DelayLockedError is returned when a relay command targets a device in an
// active, non-expired delay window. No partial effect has taken place.
type DelayLockedError struct {
	Devices []string
}

func (e *DelayLockedError) Error() string {
	return "delay mode is active, action blocked for: " + strings.Join(e.Devices, ", ")
}

// PublishError reports the devices whose command publish failed. The local
// twin updates have been applied regardless.
type PublishError struct {
	Devices []string
}

func (e *PublishError) Error() string {
	return "publish failed for: " + strings.Join(e.Devices, ", ")
}

// PushResult summarizes a batch firmware push.
type PushResult struct {
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed,omitempty"`
}

// Dispatcher publishes device commands and keeps the twins in step.
type Dispatcher struct {
	store     twin.Store
	publisher iot.MessagePublisher
	schedules schedule.Source
	signer    firmware.URLSigner
	topicRoot string
	now       func() time.Time
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// Store is the twin store. This is mandatory.
	Store twin.Store
	// Publisher publishes on the device transport. This is mandatory.
	Publisher iot.MessagePublisher
	// Schedules materializes desired schedule entries. This is mandatory.
	Schedules schedule.Source
	// Signer builds firmware download URLs. This is mandatory.
	Signer firmware.URLSigner
	// TopicRoot is the transport topic root, e.g. "iot/relay". This is mandatory.
	TopicRoot string
	// Now is the clock; defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// New realizes the dispatcher.
func New(b *Builder) *Dispatcher {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	if b.Schedules == nil {
		panic("Schedules is missing")
	}
	if b.Signer == nil {
		panic("Signer is missing")
	}
	if len(b.TopicRoot) == 0 {
		panic("TopicRoot is missing")
	}
	now := b.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:     b.Store,
		publisher: b.Publisher,
		schedules: b.Schedules,
		signer:    b.Signer,
		topicRoot: b.TopicRoot,
		now:       now,
	}
}

type relayCommand struct {
	Command string `json:"command"`
	State   string `json:"state"`
}

type delayToggleCommand struct {
	Command     string `json:"command"`
	DurationSec int    `json:"duration_sec"`
}

type scheduleSetCommand struct {
	Command string           `json:"command"`
	Version int              `json:"version"`
	Entries []schedule.Entry `json:"entries"`
}

type scheduleClearCommand struct {
	Command string `json:"command"`
	Version int    `json:"version"`
}

type upgradeCommand struct {
	Command string `json:"command"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

// publishCommand publishes one command to the device's command topic and, on
// success, stamps the twin's last-command fields. The twin is not persisted
// here; callers write it back together with their own changes.
func (d *Dispatcher) publishCommand(dev *twin.Device, body interface{}) bool {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot marshal command payload")
		return false
	}
	topic := d.topicRoot + "/" + dev.Serial + "/command"
	if !d.publisher.Publish(topic, data) {
		return false
	}
	at := d.now()
	dev.LastCommandAt = &at
	dev.LastCommandPayload = string(data)
	return true
}

func ensureNotDelayLocked(devices []*twin.Device, now time.Time) error {
	locked := []string{}
	for _, dev := range devices {
		if dev.DelayLocked(now) {
			locked = append(locked, dev.SwitchIDDisplay())
		}
	}
	if len(locked) > 0 {
		return &DelayLockedError{Devices: locked}
	}
	return nil
}

// TurnOn publishes a relay-on command to every device and applies the on
// transition to the local twins regardless of the publish outcome. Devices
// in an active delay window block the whole call with no partial effect.
func (d *Dispatcher) TurnOn(ctx context.Context, devices []*twin.Device) error {
	return d.switchRelay(ctx, devices, twin.RelayOn)
}

// TurnOff is the counterpart of TurnOn.
func (d *Dispatcher) TurnOff(ctx context.Context, devices []*twin.Device) error {
	return d.switchRelay(ctx, devices, twin.RelayOff)
}

func (d *Dispatcher) switchRelay(ctx context.Context, devices []*twin.Device, state twin.RelayState) error {
	now := d.now()
	if err := ensureNotDelayLocked(devices, now); err != nil {
		return err
	}
	failed := []string{}
	for _, dev := range devices {
		ok := d.publishCommand(dev, relayCommand{Command: "relay", State: string(state)})
		dev.ApplyStateReport(state, now)
		if err := d.store.Update(ctx, dev); err != nil {
			return fmt.Errorf("update twin %s: %w", dev.Serial, err)
		}
		if !ok {
			failed = append(failed, dev.SwitchIDDisplay())
		}
	}
	if len(failed) > 0 {
		return &PublishError{Devices: failed}
	}
	return nil
}

// DelayToggle arms or cancels the delay window per device. Cancelling folds
// the elapsed on-time and forces the relay off; arming forces the relay on
// and opens a window of the device's configured delay duration.
func (d *Dispatcher) DelayToggle(ctx context.Context, devices []*twin.Device) error {
	now := d.now()
	failed := []string{}
	for _, dev := range devices {
		durationMin := dev.DelayDurationMinutes
		if durationMin < 1 {
			durationMin = 1
		}
		ok := d.publishCommand(dev, delayToggleCommand{Command: "delay_toggle", DurationSec: durationMin * 60})
		if dev.DelayLocked(now) {
			dev.AccumulateOnMinutesUntil(now)
			dev.ClearDelay()
			dev.OnSince = nil
			dev.RelayState = twin.RelayOff
			dev.LastSeen = now
		} else {
			dev.ApplyStateReport(twin.RelayOn, now)
			dev.DelayActive = true
			started := now
			end := now.Add(time.Duration(durationMin) * time.Minute)
			dev.DelayStartedAt = &started
			dev.DelayEndAt = &end
		}
		if err := d.store.Update(ctx, dev); err != nil {
			return fmt.Errorf("update twin %s: %w", dev.Serial, err)
		}
		if !ok {
			failed = append(failed, dev.SwitchIDDisplay())
		}
	}
	if len(failed) > 0 {
		return &PublishError{Devices: failed}
	}
	return nil
}

// SyncSchedule pushes the desired schedule to every device. Each push
// consumes exactly one version number. On publish failure the device stays
// dirty; a manual trigger surfaces the error, an automatic one logs it.
func (d *Dispatcher) SyncSchedule(ctx context.Context, devices []*twin.Device, manual bool) error {
	failed := []string{}
	for _, dev := range devices {
		if err := d.syncOne(ctx, dev); err != nil {
			if !manual {
				logger.FromContext(ctx).WithError(err).Warnf("auto schedule sync failed for %s", dev.SwitchIDDisplay())
				continue
			}
			failed = append(failed, dev.SwitchIDDisplay())
		}
	}
	if len(failed) > 0 {
		return &PublishError{Devices: failed}
	}
	return nil
}

func (d *Dispatcher) syncOne(ctx context.Context, dev *twin.Device) error {
	entries, err := d.schedules.EntriesForDevice(ctx, dev.ID.String())
	if err != nil {
		dev.ScheduleDirty = true
		if uerr := d.store.Update(ctx, dev); uerr != nil {
			return uerr
		}
		return fmt.Errorf("materialize schedule for %s: %w", dev.Serial, err)
	}

	next := dev.ScheduleVersion + 1
	var ok bool
	if len(entries) > 0 {
		ok = d.publishCommand(dev, scheduleSetCommand{Command: "schedule_set", Version: next, Entries: entries})
	} else {
		ok = d.publishCommand(dev, scheduleClearCommand{Command: "schedule_clear", Version: next})
	}
	dev.ScheduleVersion = next
	if ok {
		at := d.now()
		dev.ScheduleDirty = false
		dev.ScheduleLastPushAt = &at
	} else {
		dev.ScheduleDirty = true
	}
	if err := d.store.Update(ctx, dev); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("schedule publish failed for %s", dev.Serial)
	}
	return nil
}

// MarkScheduleDirty flags the devices for reconciliation. With autoSync the
// push is attempted right away; its failures are logged and swallowed.
func (d *Dispatcher) MarkScheduleDirty(ctx context.Context, devices []*twin.Device, autoSync bool) error {
	for _, dev := range devices {
		dev.ScheduleDirty = true
		if err := d.store.Update(ctx, dev); err != nil {
			return err
		}
	}
	if autoSync && len(devices) > 0 {
		return d.SyncSchedule(ctx, devices, false)
	}
	return nil
}

// PushFirmware publishes an upgrade command with a signed download URL to
// every device. The batch succeeds if at least one device accepted the
// command; per-device failures are reported in the result.
func (d *Dispatcher) PushFirmware(ctx context.Context, fw firmware.Firmware, devices []*twin.Device) (PushResult, error) {
	result := PushResult{}
	for _, dev := range devices {
		url, err := d.signer.SignURL(fw, dev)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("%s: %s", dev.SwitchIDDisplay(), err))
			continue
		}
		if !d.publishCommand(dev, upgradeCommand{Command: "upgrade", URL: url, Version: fw.Version}) {
			result.Failed = append(result.Failed, dev.SwitchIDDisplay()+": publish failed")
			continue
		}
		at := d.now()
		dev.FirmwareTargetVersion = fw.Version
		dev.FirmwareUpgradeRequestedAt = &at
		dev.FirmwareUpgradeState = twin.UpgradePending
		if err := d.store.Update(ctx, dev); err != nil {
			return result, fmt.Errorf("update twin %s: %w", dev.Serial, err)
		}
		entry := &twin.FirmwareLog{
			ID:             uuid.New(),
			DeviceID:       dev.ID,
			TargetVersion:  fw.Version,
			State:          twin.UpgradePending,
			RequestedAt:    at,
			CommandPayload: dev.LastCommandPayload,
		}
		if err := d.store.InsertFirmwareLog(ctx, entry); err != nil {
			return result, fmt.Errorf("insert firmware log %s: %w", dev.Serial, err)
		}
		result.Succeeded++
	}
	if result.Succeeded == 0 && len(devices) > 0 {
		return result, fmt.Errorf("no upgrade command sent successfully: %s", strings.Join(result.Failed, "; "))
	}
	return result, nil
}

// SweepExpiredDelays clears delay windows whose end time has passed. Driven
// by a periodic tick; failures are returned for logging only.
func (d *Dispatcher) SweepExpiredDelays(ctx context.Context) (int, error) {
	now := d.now()
	expired, err := d.store.ListDelayExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, dev := range expired {
		dev.ClearDelay()
		if err := d.store.Update(ctx, dev); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// AccumulateLiveUptime folds elapsed whole minutes for every twin currently
// on, independent of any device report. Driven by a periodic tick.
func (d *Dispatcher) AccumulateLiveUptime(ctx context.Context) (int, error) {
	now := d.now()
	on, err := d.store.ListOn(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, dev := range on {
		before := dev.TotalOnMinutes
		dev.AccumulateOnMinutesUntil(now)
		if dev.TotalOnMinutes == before {
			continue
		}
		if err := d.store.Update(ctx, dev); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
