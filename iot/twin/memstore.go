package twin

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. It backs unit tests and broker-less
// development setups; production deployments use SQLStore.
type MemStore struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*Device
	logs    []*FirmwareLog
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{devices: map[uuid.UUID]*Device{}}
}

func cloneDevice(d *Device) *Device {
	c := *d
	return &c
}

func cloneLog(l *FirmwareLog) *FirmwareLog {
	c := *l
	return &c
}

// GetBySerial returns the twin for the given serial, or ErrNotFound.
func (s *MemStore) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	serial = strings.ToLower(strings.TrimSpace(serial))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Serial == serial {
			return cloneDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

// List returns all device twins ordered by serial.
func (s *MemStore) List(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := []*Device{}
	for _, d := range s.devices {
		devices = append(devices, cloneDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices, nil
}

// Insert stores a new device twin.
func (s *MemStore) Insert(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = cloneDevice(d)
	return nil
}

// Update writes the full twin back, last writer wins.
func (s *MemStore) Update(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = cloneDevice(d)
	return nil
}

// ResolveOrCreate resolves serials to twins, creating unknown ones.
func (s *MemStore) ResolveOrCreate(ctx context.Context, serials []string) (map[string]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := map[string]*Device{}
	for _, serial := range serials {
		key := strings.ToLower(strings.TrimSpace(serial))
		if key == "" {
			continue
		}
		if _, ok := result[key]; ok {
			continue
		}
		var found *Device
		for _, d := range s.devices {
			if d.Serial == key || strings.ToLower(d.ModuleID) == key {
				found = d
				break
			}
		}
		if found == nil {
			found = NewDevice(key)
			s.devices[found.ID] = found
		}
		result[key] = cloneDevice(found)
	}
	return result, nil
}

// ListDelayExpired returns devices whose active delay window has expired.
func (s *MemStore) ListDelayExpired(ctx context.Context, now time.Time) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := []*Device{}
	for _, d := range s.devices {
		if d.DelayActive && d.DelayEndAt != nil && !d.DelayEndAt.After(now) {
			devices = append(devices, cloneDevice(d))
		}
	}
	return devices, nil
}

// ListOn returns devices currently believed to be on.
func (s *MemStore) ListOn(ctx context.Context) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := []*Device{}
	for _, d := range s.devices {
		if d.RelayState == RelayOn && d.OnSince != nil {
			devices = append(devices, cloneDevice(d))
		}
	}
	return devices, nil
}

// InsertFirmwareLog appends a firmware upgrade log entry.
func (s *MemStore) InsertFirmwareLog(ctx context.Context, l *FirmwareLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.logs = append(s.logs, cloneLog(l))
	return nil
}

// UpdateFirmwareLog writes a modified log entry back.
func (s *MemStore) UpdateFirmwareLog(ctx context.Context, l *FirmwareLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.logs {
		if existing.ID == l.ID {
			s.logs[i] = cloneLog(l)
			return nil
		}
	}
	s.logs = append(s.logs, cloneLog(l))
	return nil
}

// LatestPendingFirmwareLog returns the most recent pending entry, or nil.
func (s *MemStore) LatestPendingFirmwareLog(ctx context.Context, deviceID uuid.UUID) (*FirmwareLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *FirmwareLog
	for _, l := range s.logs {
		if l.DeviceID != deviceID || l.State != UpgradePending {
			continue
		}
		if latest == nil || l.RequestedAt.After(latest.RequestedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneLog(latest), nil
}

// ListFirmwareLogs returns all entries for a device, newest first.
func (s *MemStore) ListFirmwareLogs(ctx context.Context, deviceID uuid.UUID) ([]*FirmwareLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := []*FirmwareLog{}
	for _, l := range s.logs {
		if l.DeviceID == deviceID {
			logs = append(logs, cloneLog(l))
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].RequestedAt.After(logs[j].RequestedAt) })
	return logs, nil
}
