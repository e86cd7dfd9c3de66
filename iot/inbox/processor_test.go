package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genemingxingma/iot-control-center/core/retry"
	"github.com/genemingxingma/iot-control-center/iot/notify"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	events []notify.Event
}

func (n *recordingNotifier) TwinChanged(ctx context.Context, event notify.Event) {
	n.events = append(n.events, event)
}

// flakyTwinStore fails a number of Update calls before behaving normally.
// failures of -1 means fail forever.
type flakyTwinStore struct {
	*twin.MemStore
	failures int
	err      error
}

func (s *flakyTwinStore) Update(ctx context.Context, d *twin.Device) error {
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	return s.MemStore.Update(ctx, d)
}

type fixture struct {
	messages  *MemStore
	twins     *twin.MemStore
	notifier  *recordingNotifier
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		messages: NewMemStore(),
		twins:    twin.NewMemStore(),
		notifier: &recordingNotifier{},
	}
	f.processor = NewProcessor(&ProcessorBuilder{
		Messages: f.messages,
		Twins:    f.twins,
		Notifier: f.notifier,
		Now:      func() time.Time { return t0 },
	})
	return f
}

func (f *fixture) ingest(t *testing.T, topic, payload string) {
	require.NoError(t, f.processor.Ingest(context.Background(), topic, []byte(payload)))
}

// stage stores a message without running the ingestion path, the way a
// conflict-deferred message waits for the batch sweep.
func (f *fixture) stage(t *testing.T, topic, payload string) {
	require.NoError(t, f.messages.Create(context.Background(), NewMessage(topic, []byte(payload), t0)))
}

func TestNewMessageDerivesSerialAndType(t *testing.T) {
	m := NewMessage("iot/relay/SW-1/status", []byte("on"), t0)
	assert.Equal(t, "sw-1", m.DeviceSerial)
	assert.Equal(t, TypeStatus, m.MessageType)
	assert.Equal(t, StateNew, m.State)

	m = NewMessage("iot/relay/sw-1/telemetry", nil, t0)
	assert.Equal(t, TypeTelemetry, m.MessageType)

	m = NewMessage("iot/relay/sw-1/other", nil, t0)
	assert.Equal(t, TypeUnknown, m.MessageType)

	m = NewMessage("status", nil, t0)
	assert.Empty(t, m.DeviceSerial)
}

func TestIngestAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "iot/relay/sw-9/status", `{"state":"on"}`)

	d, err := f.twins.GetBySerial(context.Background(), "sw-9")
	require.NoError(t, err, "the twin exists right after the callback")
	assert.Equal(t, twin.RelayOn, d.RelayState)

	recent, err := f.messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, StateDone, recent[0].State)
	assert.NotNil(t, recent[0].ProcessedAt)
	require.NotNil(t, recent[0].DeviceID)
	assert.Equal(t, d.ID, *recent[0].DeviceID)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "sw-9", f.notifier.events[0].Serial)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left for the batch sweep")
}

func TestIngestWithoutSerialIsDone(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "nonsense", `{"state":"on"}`)

	recent, err := f.messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, StateDone, recent[0].State)
	assert.Empty(t, recent[0].Error)
	assert.Empty(t, f.notifier.events, "no twin, no event")
}

func TestIngestRetriesTransientConflict(t *testing.T) {
	store := &flakyTwinStore{MemStore: twin.NewMemStore(), failures: 1, err: &pq.Error{Code: "40001"}}
	messages := NewMemStore()
	p := NewProcessor(&ProcessorBuilder{
		Messages: messages,
		Twins:    store,
		Notifier: &recordingNotifier{},
		Retry:    retry.Config{Attempts: 3, Backoff: time.Millisecond},
		Now:      func() time.Time { return t0 },
	})

	require.NoError(t, p.Ingest(context.Background(), "iot/relay/sw-1/status", []byte(`{"state":"on"}`)))

	recent, err := messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, StateDone, recent[0].State)

	d, err := store.GetBySerial(context.Background(), "sw-1")
	require.NoError(t, err)
	assert.Equal(t, twin.RelayOn, d.RelayState)
}

func TestIngestDefersOnPersistentConflict(t *testing.T) {
	store := &flakyTwinStore{MemStore: twin.NewMemStore(), failures: -1, err: &pq.Error{Code: "40001"}}
	messages := NewMemStore()
	notifier := &recordingNotifier{}
	p := NewProcessor(&ProcessorBuilder{
		Messages: messages,
		Twins:    store,
		Notifier: notifier,
		Retry:    retry.Config{Attempts: 3, Backoff: time.Millisecond},
		Now:      func() time.Time { return t0 },
	})

	require.NoError(t, p.Ingest(context.Background(), "iot/relay/sw-1/status", []byte(`{"state":"on"}`)))

	recent, err := messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, StateNew, recent[0].State, "exhausted conflicts leave the message for the batch sweep")
	assert.Nil(t, recent[0].ProcessedAt)
	assert.Empty(t, notifier.events)

	// the conflict clears, the next batch takes another swing
	store.failures = 0
	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recent, err = messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, StateDone, recent[0].State)

	d, err := store.GetBySerial(context.Background(), "sw-1")
	require.NoError(t, err)
	assert.Equal(t, twin.RelayOn, d.RelayState)
}

func TestIngestRecordsApplyError(t *testing.T) {
	store := &flakyTwinStore{MemStore: twin.NewMemStore(), failures: -1, err: errors.New("twin store down")}
	messages := NewMemStore()
	p := NewProcessor(&ProcessorBuilder{
		Messages: messages,
		Twins:    store,
		Notifier: &recordingNotifier{},
		Retry:    retry.Config{Attempts: 3, Backoff: time.Millisecond},
		Now:      func() time.Time { return t0 },
	})

	require.NoError(t, p.Ingest(context.Background(), "iot/relay/sw-1/status", []byte(`{"state":"on"}`)))

	recent, err := messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, StateError, recent[0].State)
	assert.Contains(t, recent[0].Error, "twin store down")

	n, err := p.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "errored messages are not retried by the batch")
}

func TestProcessBatchCreatesUnknownDevice(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-9/status", `{"state":"on"}`)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := f.twins.GetBySerial(context.Background(), "sw-9")
	require.NoError(t, err)
	assert.Equal(t, twin.RelayOn, d.RelayState)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "sw-9", f.notifier.events[0].Serial)
	assert.Equal(t, "on", f.notifier.events[0].RelayState)
}

func TestProcessBatchNewestPerDeviceWins(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-1/status", `{"state":"on"}`)
	f.stage(t, "iot/relay/sw-1/status", `{"state":"off"}`)
	f.stage(t, "iot/relay/sw-2/status", `{"state":"on"}`)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one winner per device")

	d1, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	assert.Equal(t, twin.RelayOff, d1.RelayState, "the newest report wins")
	d2, _ := f.twins.GetBySerial(context.Background(), "sw-2")
	assert.Equal(t, twin.RelayOn, d2.RelayState)

	// the superseded duplicate is done, not errored
	recent, err := f.messages.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	for _, m := range recent {
		assert.Equal(t, StateDone, m.State, "message %d", m.ID)
	}
}

func TestProcessBatchDedupIsPerMessageType(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-1/status", `{"state":"on"}`)
	f.stage(t, "iot/relay/sw-1/telemetry", `{"firmware_version":"2.0.0"}`)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "status and telemetry do not supersede each other")

	d, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	assert.Equal(t, twin.RelayOn, d.RelayState)
	assert.Equal(t, "2.0.0", d.FirmwareVersion)
}

func TestProcessBatchMessageWithoutSerialIsDone(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "nonsense", `{"state":"on"}`)
	f.stage(t, "iot/relay/sw-1/status", `{"state":"on"}`)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a message without a device has no domain effect")

	recent, _ := f.messages.ListRecent(context.Background(), 10)
	require.Len(t, recent, 2)
	for _, m := range recent {
		assert.Equal(t, StateDone, m.State, "message %d", m.ID)
		assert.Empty(t, m.Error)
	}
}

func TestProcessBatchMalformedPayloadIsStillASighting(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-1/telemetry", `%%%garbage%%%`)

	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := f.twins.GetBySerial(context.Background(), "sw-1")
	require.NoError(t, err)
	assert.True(t, d.LastSeen.Equal(t0), "LastSeen must be bumped")
	assert.Equal(t, twin.RelayUnknown, d.RelayState)
}

func TestProcessBatchResolvesFirmwareUpgrade(t *testing.T) {
	f := newFixture(t)
	d := twin.NewDevice("sw-1")
	d.FirmwareVersion = "2.0.0"
	d.FirmwareTargetVersion = "2.1.0"
	d.FirmwareUpgradeState = twin.UpgradePending
	require.NoError(t, f.twins.Insert(context.Background(), d))
	require.NoError(t, f.twins.InsertFirmwareLog(context.Background(), &twin.FirmwareLog{
		DeviceID:      d.ID,
		TargetVersion: "2.1.0",
		State:         twin.UpgradePending,
		RequestedAt:   t0.Add(-time.Hour),
	}))

	f.stage(t, "iot/relay/sw-1/status", `{"firmware_version":"2.1.0","ota_state":"ok"}`)
	_, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)

	stored, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	assert.Equal(t, twin.UpgradeSuccess, stored.FirmwareUpgradeState)
	assert.Equal(t, "2.1.0", stored.FirmwareVersion)

	pending, err := f.twins.LatestPendingFirmwareLog(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, pending, "the log entry was completed")
}

func TestProcessBatchAppliesOTAFailure(t *testing.T) {
	f := newFixture(t)
	d := twin.NewDevice("sw-1")
	d.FirmwareUpgradeState = twin.UpgradePending
	require.NoError(t, f.twins.Insert(context.Background(), d))
	require.NoError(t, f.twins.InsertFirmwareLog(context.Background(), &twin.FirmwareLog{
		DeviceID:      d.ID,
		TargetVersion: "2.1.0",
		State:         twin.UpgradePending,
		RequestedAt:   t0.Add(-time.Hour),
	}))

	f.stage(t, "iot/relay/sw-1/status", `{"ota_state":"failed","ota_note":"flash error"}`)
	_, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)

	stored, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	assert.Equal(t, twin.UpgradeFailed, stored.FirmwareUpgradeState)

	logs, err := f.twins.ListFirmwareLogs(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, twin.UpgradeFailed, logs[0].State)
	assert.Equal(t, "flash error", logs[0].Note)
}

func TestProcessBatchAppliesScheduleReport(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-1/status", `{"schedule_version":4}`)
	_, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)

	d, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	assert.Equal(t, 4, d.ScheduleAppliedVersion)
	assert.NotNil(t, d.ScheduleLastSyncAt)
}

func TestProcessBatchUsesReportedAt(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "iot/relay/sw-1/status", `{"state":"on","reported_at":"2024-05-06T09:00:00Z"}`)
	_, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)

	d, _ := f.twins.GetBySerial(context.Background(), "sw-1")
	want := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	assert.True(t, d.LastSeen.Equal(want), "report timestamp wins over arrival time")
}

func TestProcessBatchEmpty(t *testing.T) {
	f := newFixture(t)
	n, err := f.processor.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
