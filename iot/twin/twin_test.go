package twin

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func TestNewDevice(t *testing.T) {
	d := NewDevice("  SW-0042  ")
	if d.Serial != "sw-0042" {
		t.Fatal("serial not normalized:", d.Serial)
	}
	if d.Name != "sw-0042" {
		t.Fatal("name not defaulted:", d.Name)
	}
	if len(d.AuthToken) == 0 || strings.Contains(d.AuthToken, "-") {
		t.Fatal("unexpected auth token:", d.AuthToken)
	}
	if !d.ScheduleDirty {
		t.Fatal("a new device must need a schedule push")
	}
	if d.RelayState != RelayUnknown {
		t.Fatal("unexpected initial relay state:", d.RelayState)
	}
	if d.DelayDurationMinutes != DefaultDelayDurationMinutes {
		t.Fatal("unexpected delay duration:", d.DelayDurationMinutes)
	}
}

func TestSwitchIDDisplay(t *testing.T) {
	d := NewDevice("sw-1")
	if d.SwitchIDDisplay() != "sw-1" {
		t.Fatal("expected serial fallback")
	}
	d.ModuleID = "Garage West"
	if d.SwitchIDDisplay() != "Garage West" {
		t.Fatal("expected module id")
	}
}

func TestUptimeFolding(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyStateReport(RelayOn, t0)
	if d.OnSince == nil || !d.OnSince.Equal(t0) {
		t.Fatal("OnSince not baselined")
	}

	// 65 minutes and 30 seconds later the device reports off
	off := t0.Add(65*time.Minute + 30*time.Second)
	d.ApplyStateReport(RelayOff, off)
	if d.TotalOnMinutes != 65 {
		t.Fatal("expected 65 folded minutes, got:", d.TotalOnMinutes)
	}
	if d.OnSince != nil {
		t.Fatal("OnSince must be cleared when off")
	}
	if !d.LastSeen.Equal(off) {
		t.Fatal("LastSeen not bumped")
	}
}

func TestAccumulateKeepsSubMinuteRemainder(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyStateReport(RelayOn, t0)

	at := t0.Add(90 * time.Second)
	d.AccumulateOnMinutesUntil(at)
	if d.TotalOnMinutes != 1 {
		t.Fatal("expected 1 folded minute, got:", d.TotalOnMinutes)
	}
	if !d.OnSince.Equal(t0.Add(time.Minute)) {
		t.Fatal("OnSince must advance by the folded amount, got:", d.OnSince)
	}

	// a second call for the same instant must not double count
	d.AccumulateOnMinutesUntil(at)
	if d.TotalOnMinutes != 1 {
		t.Fatal("accumulation is not idempotent, got:", d.TotalOnMinutes)
	}

	// the remaining 30 seconds fold once the next full minute has passed
	d.AccumulateOnMinutesUntil(t0.Add(2 * time.Minute))
	if d.TotalOnMinutes != 2 {
		t.Fatal("remainder lost, got:", d.TotalOnMinutes)
	}
}

func TestAccumulateIgnoredWhenOff(t *testing.T) {
	d := NewDevice("sw-1")
	d.AccumulateOnMinutesUntil(t0.Add(time.Hour))
	if d.TotalOnMinutes != 0 {
		t.Fatal("must not accumulate while off")
	}
}

func TestTotalOnHoursIncludesLiveSpan(t *testing.T) {
	d := NewDevice("sw-1")
	d.TotalOnMinutes = 90
	if h := d.TotalOnHours(t0); h != 1.5 {
		t.Fatal("unexpected hours:", h)
	}
	d.ApplyStateReport(RelayOn, t0)
	if h := d.TotalOnHours(t0.Add(30 * time.Minute)); h != 2.0 {
		t.Fatal("live span not included, got:", h)
	}
}

func TestStateReportCoercion(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyStateReport(RelayState("bogus"), t0)
	if d.RelayState != RelayUnknown {
		t.Fatal("invalid state must coerce to unknown, got:", d.RelayState)
	}
}

func TestOffReportClearsDelay(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyStateReport(RelayOn, t0)
	d.ApplyDelayReport(true, 600, t0)
	if !d.DelayLocked(t0) {
		t.Fatal("expected delay locked")
	}
	d.ApplyStateReport(RelayOff, t0.Add(time.Minute))
	if d.DelayActive || d.DelayStartedAt != nil || d.DelayEndAt != nil {
		t.Fatal("off report must clear the delay window")
	}
}

func TestDelayReport(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyDelayReport(true, 600, t0)
	if d.DelayEndAt == nil || !d.DelayEndAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatal("end not derived from remaining seconds")
	}
	if d.DelayStartedAt == nil || !d.DelayStartedAt.Equal(t0) {
		t.Fatal("start not set")
	}

	// a later report must not move the start
	d.ApplyDelayReport(true, 300, t0.Add(5*time.Minute))
	if !d.DelayStartedAt.Equal(t0) {
		t.Fatal("start must stay at first activation")
	}

	d.ApplyDelayReport(false, 0, t0.Add(10*time.Minute))
	if d.DelayActive || d.DelayStartedAt != nil || d.DelayEndAt != nil {
		t.Fatal("inactive report must clear the window")
	}
}

func TestDelayLockedWithoutEnd(t *testing.T) {
	d := NewDevice("sw-1")
	d.DelayActive = true
	if !d.DelayLocked(t0) {
		t.Fatal("an active delay without end must lock")
	}
	if r := d.DelayRemainingMinutes(t0); r != 0 {
		t.Fatal("remaining without end must be 0, got:", r)
	}
}

func TestDelayRemainingMinutes(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyDelayReport(true, 90, t0)
	if r := d.DelayRemainingMinutes(t0); r != 1.5 {
		t.Fatal("unexpected remaining minutes:", r)
	}
	if r := d.DelayRemainingMinutes(t0.Add(5 * time.Minute)); r != 0 {
		t.Fatal("expired remaining must clamp to 0, got:", r)
	}
}

func TestScheduleSyncState(t *testing.T) {
	d := NewDevice("sw-1")
	if d.ScheduleSyncState() != SyncPending {
		t.Fatal("dirty device must be pending")
	}
	d.ScheduleDirty = false
	d.ScheduleVersion = 3
	d.ScheduleAppliedVersion = 3
	if d.ScheduleSyncState() != SyncInSync {
		t.Fatal("expected in_sync")
	}
	d.ScheduleAppliedVersion = 2
	if d.ScheduleSyncState() != SyncOutdated {
		t.Fatal("expected outdated")
	}
}

func TestResetUptime(t *testing.T) {
	d := NewDevice("sw-1")
	d.TotalOnMinutes = 90

	if _, err := d.ResetUptime("  ", t0); err != ErrReasonRequired {
		t.Fatal("expected ErrReasonRequired, got:", err)
	}
	if d.TotalOnMinutes != 90 {
		t.Fatal("failed reset must not touch the counter")
	}

	note, err := d.ResetUptime("relay replaced", t0)
	if err != nil {
		t.Fatal(err)
	}
	if d.TotalOnMinutes != 0 {
		t.Fatal("counter not reset")
	}
	if !strings.Contains(note, "relay replaced") || !strings.Contains(note, "1.50") {
		t.Fatal("audit note incomplete:", note)
	}
	if d.AuditNote != note {
		t.Fatal("audit note must be kept on the twin, got:", d.AuditNote)
	}
	if d.AuditNoteAt == nil || !d.AuditNoteAt.Equal(t0) {
		t.Fatal("audit note timestamp missing")
	}
}

func TestResetUptimeRebaselinesWhileOn(t *testing.T) {
	d := NewDevice("sw-1")
	d.ApplyStateReport(RelayOn, t0)
	at := t0.Add(10 * time.Minute)
	if _, err := d.ResetUptime("test", at); err != nil {
		t.Fatal(err)
	}
	if d.OnSince == nil || !d.OnSince.Equal(at) {
		t.Fatal("OnSince must rebaseline to the reset instant")
	}
}
