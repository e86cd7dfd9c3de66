package twin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a device twin does not exist.
var ErrNotFound = errors.New("device not found")

// Store is the persistence boundary for device twins and firmware logs.
// The query mechanics of the underlying record store are not part of the
// synchronization engine; the engine only relies on this interface.
type Store interface {
	GetBySerial(ctx context.Context, serial string) (*Device, error)
	List(ctx context.Context) ([]*Device, error)
	Insert(ctx context.Context, d *Device) error
	Update(ctx context.Context, d *Device) error

	// ResolveOrCreate resolves all given serials in one go, creating twins
	// for unknown serials. Keys of the returned map are lowercased serials;
	// devices are also found via their module id.
	ResolveOrCreate(ctx context.Context, serials []string) (map[string]*Device, error)

	// ListDelayExpired returns devices whose delay window has expired.
	ListDelayExpired(ctx context.Context, now time.Time) ([]*Device, error)
	// ListOn returns devices currently believed to be on.
	ListOn(ctx context.Context) ([]*Device, error)

	InsertFirmwareLog(ctx context.Context, l *FirmwareLog) error
	UpdateFirmwareLog(ctx context.Context, l *FirmwareLog) error
	// LatestPendingFirmwareLog returns the most recent pending upgrade log
	// for the device, or nil if there is none.
	LatestPendingFirmwareLog(ctx context.Context, deviceID uuid.UUID) (*FirmwareLog, error)
	ListFirmwareLogs(ctx context.Context, deviceID uuid.UUID) ([]*FirmwareLog, error)
}
