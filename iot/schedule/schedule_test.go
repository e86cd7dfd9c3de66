package schedule

import (
	"context"
	"testing"
	"time"
)

func TestUTCOffsetMinutes(t *testing.T) {
	summer := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	winter := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	if off := UTCOffsetMinutes("Europe/Berlin", summer); off != 120 {
		t.Fatal("unexpected summer offset:", off)
	}
	if off := UTCOffsetMinutes("Europe/Berlin", winter); off != 60 {
		t.Fatal("unexpected winter offset:", off)
	}
	if off := UTCOffsetMinutes("", summer); off != 0 {
		t.Fatal("empty timezone must be UTC, got:", off)
	}
	if off := UTCOffsetMinutes("No/Such_Zone", summer); off != 0 {
		t.Fatal("unknown timezone must fall back to UTC, got:", off)
	}
}

func TestStaticSource(t *testing.T) {
	source := StaticSource{
		{Weekday: 0, Hour: 8, Minute: 0, Action: ActionOn},
		{Weekday: 4, Hour: 18, Minute: 30, Action: ActionOff},
	}
	entries, err := source.EntriesForDevice(context.Background(), "whatever")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatal("unexpected entry count:", len(entries))
	}
	if entries[1].Action != ActionOff || entries[1].Hour != 18 {
		t.Fatal("unexpected entry:", entries[1])
	}
}
