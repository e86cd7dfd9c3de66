package twin

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Report is the parsed form of an inbound status or telemetry payload.
// Every field is optional; unrecognized keys are ignored. Each field is
// coerced individually, so one malformed value does not spoil the rest.
type Report struct {
	State             *RelayState
	ModuleID          *string
	FirmwareVersion   *string
	OTAState          *string
	OTANote           *string
	ManualOverride    *bool
	DelayActive       *bool
	DelayRemainingSec *int
	ScheduleVersion   *int
	ReportedAt        *time.Time
}

// ParseReport parses a raw payload. Non-JSON payloads fall back to bare
// "on"/"off" string recognition; anything else yields an empty report.
func ParseReport(raw []byte) Report {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		v := strings.ToLower(strings.TrimSpace(string(raw)))
		v = strings.Trim(v, `"`)
		if v == "on" || v == "off" {
			state := RelayState(v)
			return Report{State: &state}
		}
		return Report{}
	}

	var r Report
	for key, value := range fields {
		switch key {
		case "state":
			if s, ok := coerceString(value); ok {
				state := RelayState(s)
				r.State = &state
			}
		case "module_id":
			if s, ok := coerceString(value); ok && s != "" {
				r.ModuleID = &s
			}
		case "firmware_version":
			if s, ok := coerceString(value); ok && s != "" {
				r.FirmwareVersion = &s
			}
		case "ota_state":
			if s, ok := coerceString(value); ok && s != "" {
				r.OTAState = &s
			}
		case "ota_note":
			if s, ok := coerceString(value); ok {
				r.OTANote = &s
			}
		case "manual_override":
			if b, ok := coerceBool(value); ok {
				r.ManualOverride = &b
			}
		case "delay_active":
			if b, ok := coerceBool(value); ok {
				r.DelayActive = &b
			}
		case "delay_remaining_sec":
			if n, ok := coerceInt(value); ok {
				r.DelayRemainingSec = &n
			}
		case "schedule_version":
			if n, ok := coerceInt(value); ok {
				r.ScheduleVersion = &n
			}
		case "reported_at":
			if s, ok := coerceString(value); ok {
				if t, ok := parseReportedAt(s); ok {
					r.ReportedAt = &t
				}
			}
		}
	}
	return r
}

// ReportedAtOr returns the report's timestamp, or the fallback when the
// payload carried none.
func (r Report) ReportedAtOr(fallback time.Time) time.Time {
	if r.ReportedAt != nil {
		return *r.ReportedAt
	}
	return fallback
}

// HasValidState reports whether the payload carried a recognized relay state.
func (r Report) HasValidState() bool {
	if r.State == nil {
		return false
	}
	s := *r.State
	return s == RelayOn || s == RelayOff || s == RelayUnknown
}

func coerceString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func coerceBool(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	if n, ok := coerceInt(raw); ok {
		return n != 0, true
	}
	return false, false
}

func coerceInt(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v, true
		}
	}
	return 0, false
}

// parseReportedAt accepts ISO-8601 with or without a trailing Z; a bare
// timestamp without offset is taken as UTC.
func parseReportedAt(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
