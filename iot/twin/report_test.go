package twin

import (
	"testing"
	"time"
)

func TestParseReportFullPayload(t *testing.T) {
	raw := []byte(`{"state":"on","module_id":"Garage West","firmware_version":"2.1.0",
"ota_state":"ok","manual_override":1,"delay_active":true,"delay_remaining_sec":"120",
"schedule_version":7.0,"reported_at":"2024-05-06T10:00:00Z","unknown_key":42}`)
	r := ParseReport(raw)

	if r.State == nil || *r.State != RelayOn {
		t.Fatal("state not parsed")
	}
	if r.ModuleID == nil || *r.ModuleID != "Garage West" {
		t.Fatal("module id not parsed")
	}
	if r.FirmwareVersion == nil || *r.FirmwareVersion != "2.1.0" {
		t.Fatal("firmware version not parsed")
	}
	if r.OTAState == nil || *r.OTAState != "ok" {
		t.Fatal("ota state not parsed")
	}
	// numeric 1 coerces to true
	if r.ManualOverride == nil || !*r.ManualOverride {
		t.Fatal("manual override not coerced")
	}
	// string "120" coerces to int
	if r.DelayRemainingSec == nil || *r.DelayRemainingSec != 120 {
		t.Fatal("delay remaining not coerced")
	}
	// float 7.0 coerces to int
	if r.ScheduleVersion == nil || *r.ScheduleVersion != 7 {
		t.Fatal("schedule version not coerced")
	}
	want := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	if r.ReportedAt == nil || !r.ReportedAt.Equal(want) {
		t.Fatal("reported_at not parsed:", r.ReportedAt)
	}
}

func TestParseReportBareState(t *testing.T) {
	r := ParseReport([]byte("ON"))
	if r.State == nil || *r.State != RelayOn {
		t.Fatal("bare on not recognized")
	}
	r = ParseReport([]byte(` "off" `))
	if r.State == nil || *r.State != RelayOff {
		t.Fatal("quoted off not recognized")
	}
}

func TestParseReportGarbage(t *testing.T) {
	r := ParseReport([]byte("%%%not json%%%"))
	if r.State != nil || r.ReportedAt != nil {
		t.Fatal("garbage must yield an empty report")
	}
}

func TestParseReportMalformedValueIsIsolated(t *testing.T) {
	r := ParseReport([]byte(`{"state":"off","delay_remaining_sec":"soon"}`))
	if r.State == nil || *r.State != RelayOff {
		t.Fatal("valid field spoiled by malformed sibling")
	}
	if r.DelayRemainingSec != nil {
		t.Fatal("malformed value must be dropped")
	}
}

func TestParseReportedAtWithoutOffset(t *testing.T) {
	r := ParseReport([]byte(`{"reported_at":"2024-05-06T10:00:00"}`))
	want := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	if r.ReportedAt == nil || !r.ReportedAt.Equal(want) {
		t.Fatal("bare timestamp must be taken as UTC:", r.ReportedAt)
	}
}

func TestReportedAtOr(t *testing.T) {
	fallback := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if at := (Report{}).ReportedAtOr(fallback); !at.Equal(fallback) {
		t.Fatal("expected fallback")
	}
}

func TestHasValidState(t *testing.T) {
	bogus := RelayState("bogus")
	if (Report{State: &bogus}).HasValidState() {
		t.Fatal("bogus state must not count as valid")
	}
	on := RelayOn
	if !(Report{State: &on}).HasValidState() {
		t.Fatal("on must count as valid")
	}
}
