package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/genemingxingma/iot-control-center/core/logger"
	"github.com/genemingxingma/iot-control-center/core/retry"
	"github.com/genemingxingma/iot-control-center/iot/notify"
	"github.com/genemingxingma/iot-control-center/iot/twin"
)

// DefaultBatchSize bounds how many messages one ProcessBatch call takes on.
const DefaultBatchSize = 50

// Processor ingests raw transport messages and folds them into the twins,
// right on the callback path when it can, in periodic batches otherwise.
type Processor struct {
	messages Store
	twins    twin.Store
	notifier notify.Notifier
	retry    retry.Config
	now      func() time.Time
	batch    int
}

// ProcessorBuilder is a builder helper for the Processor
type ProcessorBuilder struct {
	// Messages is the inbound message store. This is mandatory.
	Messages Store
	// Twins is the twin store. This is mandatory.
	Twins twin.Store
	// Notifier receives twin-change events. Optional; defaults to logging.
	Notifier notify.Notifier
	// Retry governs the conflict retry loop. Optional.
	Retry retry.Config
	// BatchSize bounds one batch. Optional.
	BatchSize int
	// Now is the clock; defaults to time.Now. Tests inject a fixed clock.
	Now func() time.Time
}

// NewProcessor realizes the processor.
func NewProcessor(b *ProcessorBuilder) *Processor {
	if b.Messages == nil {
		panic("Messages is missing")
	}
	if b.Twins == nil {
		panic("Twins is missing")
	}
	notifier := b.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	retryCfg := b.Retry
	if retryCfg.Attempts == 0 {
		retryCfg = retry.DefaultConfig
	}
	batch := b.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	now := b.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		messages: b.Messages,
		twins:    b.Twins,
		notifier: notifier,
		retry:    retryCfg,
		now:      now,
		batch:    batch,
	}
}

// Ingest stores one raw transport message and immediately folds it into its
// twin. The message is durable before any twin work starts; when the apply
// keeps running into write conflicts it stays new and the next batch takes
// another swing.
func (p *Processor) Ingest(ctx context.Context, topic string, payload []byte) error {
	m := NewMessage(topic, payload, p.now())
	if err := p.messages.Create(ctx, m); err != nil {
		return fmt.Errorf("store inbound message: %w", err)
	}
	p.processOne(ctx, m)
	return nil
}

// processOne is the synchronous ingestion path: resolve the twin and apply
// the message, retrying conflict errors. Exhausted conflicts leave the
// message new for the batch sweep.
func (p *Processor) processOne(ctx context.Context, m *Message) {
	if m.DeviceSerial == "" {
		// not addressed to a device, nothing to apply
		p.finishMessage(ctx, m, nil, nil)
		return
	}
	var dev *twin.Device
	err := retry.Do(p.retry, isConflictError, func() error {
		devices, err := p.twins.ResolveOrCreate(ctx, []string{m.DeviceSerial})
		if err != nil {
			return err
		}
		dev = devices[m.DeviceSerial]
		return p.applyMessage(ctx, dev, m)
	})
	if isConflictError(err) {
		logger.FromContext(ctx).WithError(err).Warnf("conflict processing message %d, deferred to batch", m.ID)
		return
	}
	p.finishMessage(ctx, m, dev, err)
	if err == nil {
		p.emit(ctx, dev, m)
	}
}

func (p *Processor) emit(ctx context.Context, dev *twin.Device, m *Message) {
	p.notifier.TwinChanged(ctx, notify.Event{
		DeviceID:    dev.ID,
		Serial:      dev.Serial,
		MessageType: string(m.MessageType),
		RelayState:  string(dev.RelayState),
		At:          p.now(),
	})
}

// dedupKey collapses messages of the same device and kind within a batch.
type dedupKey struct {
	serial      string
	messageType MessageType
}

// isConflictError classifies errors worth a blind retry: serialization
// failures and deadlocks from concurrent twin writers.
func isConflictError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// ProcessBatch takes the oldest unprocessed messages and folds them into the
// twins. Within a batch, only the newest message per (device, kind) is
// applied; superseded duplicates are marked done untouched. Failures are
// isolated per message. Returns the number of messages applied.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	batch, err := p.messages.OldestNew(ctx, p.batch)
	if err != nil {
		return 0, fmt.Errorf("load message batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// newest per (device, kind) wins; ids are monotonic per arrival order
	winner := map[dedupKey]*Message{}
	for _, m := range batch {
		if m.DeviceSerial == "" {
			continue
		}
		key := dedupKey{serial: m.DeviceSerial, messageType: m.MessageType}
		if current, ok := winner[key]; !ok || m.ID > current.ID {
			winner[key] = m
		}
	}
	superseded := []int64{}
	survivors := []*Message{}
	for _, m := range batch {
		if m.DeviceSerial == "" {
			survivors = append(survivors, m)
			continue
		}
		key := dedupKey{serial: m.DeviceSerial, messageType: m.MessageType}
		if winner[key].ID != m.ID {
			superseded = append(superseded, m.ID)
		} else {
			survivors = append(survivors, m)
		}
	}
	if err := p.messages.MarkDoneBulk(ctx, superseded, p.now()); err != nil {
		return 0, fmt.Errorf("mark superseded messages: %w", err)
	}

	serials := []string{}
	for _, m := range survivors {
		if m.DeviceSerial != "" {
			serials = append(serials, m.DeviceSerial)
		}
	}
	devices, err := p.twins.ResolveOrCreate(ctx, serials)
	if err != nil {
		return 0, fmt.Errorf("resolve devices: %w", err)
	}

	log := logger.FromContext(ctx)
	processed := 0
	for _, m := range survivors {
		if m.DeviceSerial == "" {
			// not addressed to a device, done without effect
			p.finishMessage(ctx, m, nil, nil)
			continue
		}
		dev := devices[m.DeviceSerial]
		err := retry.Do(p.retry, isConflictError, func() error {
			return p.applyMessage(ctx, dev, m)
		})
		if isConflictError(err) {
			// stays new, the next batch takes another swing
			log.WithError(err).Warnf("conflict processing message %d, deferred", m.ID)
			continue
		}
		p.finishMessage(ctx, m, dev, err)
		if err == nil {
			processed++
			p.emit(ctx, dev, m)
		}
	}
	return processed, nil
}

// applyMessage folds one message into its twin and persists the twin. An
// empty or unparseable payload still counts as a sighting of the device.
func (p *Processor) applyMessage(ctx context.Context, dev *twin.Device, m *Message) error {
	report := twin.ParseReport(m.Payload)
	at := report.ReportedAtOr(m.ReceivedAt)

	applied := false
	if report.State != nil {
		dev.ApplyStateReport(*report.State, at)
		applied = true
	}

	var pending *twin.FirmwareLog
	needsLog := report.FirmwareVersion != nil ||
		(report.OTAState != nil && (*report.OTAState == "failed" || *report.OTAState == "no_update"))
	if needsLog {
		var err error
		pending, err = p.twins.LatestPendingFirmwareLog(ctx, dev.ID)
		if err != nil {
			return fmt.Errorf("load pending firmware log: %w", err)
		}
	}
	if report.FirmwareVersion != nil {
		otaState := ""
		if report.OTAState != nil {
			otaState = *report.OTAState
		}
		if dev.ApplyFirmwareReport(pending, *report.FirmwareVersion, otaState, at) {
			if err := p.twins.UpdateFirmwareLog(ctx, pending); err != nil {
				return fmt.Errorf("update firmware log: %w", err)
			}
			pending = nil
		}
		applied = true
	}
	if report.ModuleID != nil {
		dev.ApplyIdentityReport(*report.ModuleID, at)
		applied = true
	}
	if report.ManualOverride != nil {
		dev.ApplyManualOverrideReport(*report.ManualOverride, at)
		applied = true
	}
	if report.DelayActive != nil {
		remaining := 0
		if report.DelayRemainingSec != nil {
			remaining = *report.DelayRemainingSec
		}
		dev.ApplyDelayReport(*report.DelayActive, remaining, at)
		applied = true
	}
	if report.OTAState != nil {
		note := ""
		if report.OTANote != nil {
			note = *report.OTANote
		}
		if dev.ApplyFirmwareUpgradeFeedback(pending, *report.OTAState, note, at) {
			if err := p.twins.UpdateFirmwareLog(ctx, pending); err != nil {
				return fmt.Errorf("update firmware log: %w", err)
			}
		}
		applied = true
	}
	if report.ScheduleVersion != nil {
		dev.ApplyScheduleReport(*report.ScheduleVersion, at)
		applied = true
	}
	if !applied {
		// a contentless message is still a sighting
		dev.LastSeen = at
	}

	if err := p.twins.Update(ctx, dev); err != nil {
		return fmt.Errorf("update twin %s: %w", dev.Serial, err)
	}
	return nil
}

// finishMessage records the message's terminal state.
func (p *Processor) finishMessage(ctx context.Context, m *Message, dev *twin.Device, applyErr error) {
	at := p.now()
	m.ProcessedAt = &at
	if dev != nil {
		id := dev.ID
		m.DeviceID = &id
	}
	if applyErr != nil {
		m.State = StateError
		m.Error = applyErr.Error()
	} else {
		m.State = StateDone
		m.Error = ""
	}
	if err := p.messages.MarkProcessed(ctx, m); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot mark message %d", m.ID)
	}
}
