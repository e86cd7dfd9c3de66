package twin

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/genemingxingma/iot-control-center/core/csql"
)

// SQLStore is the postgres implementation of Store.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the sql relations for the device twin (if they do not
// exist yet) and returns the store.
func NewSQLStore(db *csql.DB) *SQLStore {
	if db == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."device"
(device_id uuid NOT NULL,
name varchar NOT NULL DEFAULT '',
serial varchar NOT NULL,
module_id varchar NOT NULL DEFAULT '',
auth_token varchar NOT NULL DEFAULT '',
active boolean NOT NULL DEFAULT true,
relay_state varchar NOT NULL DEFAULT 'unknown',
last_seen timestamp,
on_since timestamp,
total_on_minutes integer NOT NULL DEFAULT 0,
delay_duration_minutes integer NOT NULL DEFAULT 30,
delay_active boolean NOT NULL DEFAULT false,
delay_started_at timestamp,
delay_end_at timestamp,
manual_override boolean NOT NULL DEFAULT false,
firmware_version varchar NOT NULL DEFAULT '',
firmware_target_version varchar NOT NULL DEFAULT '',
firmware_upgrade_state varchar NOT NULL DEFAULT 'none',
firmware_upgrade_requested_at timestamp,
firmware_upgrade_completed_at timestamp,
schedule_dirty boolean NOT NULL DEFAULT true,
schedule_version integer NOT NULL DEFAULT 0,
schedule_applied_version integer NOT NULL DEFAULT 0,
schedule_last_push_at timestamp,
schedule_last_sync_at timestamp,
last_command_at timestamp,
last_command_payload varchar NOT NULL DEFAULT '',
audit_note varchar NOT NULL DEFAULT '',
audit_note_at timestamp,
PRIMARY KEY(device_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS device_serial_uniq ON ` + db.Schema + `.device(serial);
CREATE INDEX IF NOT EXISTS device_module_id_index ON ` + db.Schema + `.device(module_id);
CREATE table IF NOT EXISTS ` + db.Schema + `."firmware_log"
(log_id uuid NOT NULL,
device_id uuid NOT NULL references ` + db.Schema + `.device(device_id) ON DELETE CASCADE,
target_version varchar NOT NULL,
reported_version varchar NOT NULL DEFAULT '',
state varchar NOT NULL DEFAULT 'pending',
requested_at timestamp NOT NULL,
completed_at timestamp,
command_payload varchar NOT NULL DEFAULT '',
note varchar NOT NULL DEFAULT '',
PRIMARY KEY(log_id)
);
CREATE INDEX IF NOT EXISTS firmware_log_device_index ON ` + db.Schema + `.firmware_log(device_id, state);
`)
	if err != nil {
		panic(err)
	}

	return &SQLStore{db: db}
}

const deviceColumns = `device_id,name,serial,module_id,auth_token,active,
relay_state,last_seen,on_since,total_on_minutes,delay_duration_minutes,
delay_active,delay_started_at,delay_end_at,manual_override,
firmware_version,firmware_target_version,firmware_upgrade_state,
firmware_upgrade_requested_at,firmware_upgrade_completed_at,
schedule_dirty,schedule_version,schedule_applied_version,
schedule_last_push_at,schedule_last_sync_at,last_command_at,last_command_payload,
audit_note,audit_note_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		lastSeen  sql.NullTime
		nullTimes [9]sql.NullTime
	)
	err := row.Scan(&d.ID, &d.Name, &d.Serial, &d.ModuleID, &d.AuthToken, &d.Active,
		&d.RelayState, &lastSeen, &nullTimes[0], &d.TotalOnMinutes, &d.DelayDurationMinutes,
		&d.DelayActive, &nullTimes[1], &nullTimes[2], &d.ManualOverride,
		&d.FirmwareVersion, &d.FirmwareTargetVersion, &d.FirmwareUpgradeState,
		&nullTimes[3], &nullTimes[4],
		&d.ScheduleDirty, &d.ScheduleVersion, &d.ScheduleAppliedVersion,
		&nullTimes[5], &nullTimes[6], &nullTimes[7], &d.LastCommandPayload,
		&d.AuditNote, &nullTimes[8])
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	assign := func(dst **time.Time, nt sql.NullTime) {
		if nt.Valid {
			t := nt.Time
			*dst = &t
		}
	}
	assign(&d.OnSince, nullTimes[0])
	assign(&d.DelayStartedAt, nullTimes[1])
	assign(&d.DelayEndAt, nullTimes[2])
	assign(&d.FirmwareUpgradeRequestedAt, nullTimes[3])
	assign(&d.FirmwareUpgradeCompletedAt, nullTimes[4])
	assign(&d.ScheduleLastPushAt, nullTimes[5])
	assign(&d.ScheduleLastSyncAt, nullTimes[6])
	assign(&d.LastCommandAt, nullTimes[7])
	assign(&d.AuditNoteAt, nullTimes[8])
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableLastSeen(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// GetBySerial returns the twin for the given serial, or ErrNotFound.
func (s *SQLStore) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	serial = strings.ToLower(strings.TrimSpace(serial))
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Schema+`.device WHERE serial=$1;`, serial)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// List returns all device twins ordered by serial.
func (s *SQLStore) List(ctx context.Context) ([]*Device, error) {
	return s.listWhere(ctx, `ORDER BY serial`, nil)
}

// ListDelayExpired returns devices whose active delay window has expired.
func (s *SQLStore) ListDelayExpired(ctx context.Context, now time.Time) ([]*Device, error) {
	return s.listWhere(ctx,
		`WHERE delay_active AND delay_end_at IS NOT NULL AND delay_end_at <= $1`,
		[]interface{}{now.UTC()})
}

// ListOn returns devices currently believed to be on.
func (s *SQLStore) ListOn(ctx context.Context) ([]*Device, error) {
	return s.listWhere(ctx, `WHERE relay_state = 'on' AND on_since IS NOT NULL`, nil)
}

func (s *SQLStore) listWhere(ctx context.Context, clause string, args []interface{}) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Schema+`.device `+clause+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []*Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Insert stores a new device twin.
func (s *SQLStore) Insert(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(`+deviceColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29);`,
		d.ID, d.Name, d.Serial, d.ModuleID, d.AuthToken, d.Active,
		d.RelayState, nullableLastSeen(d.LastSeen), nullTime(d.OnSince), d.TotalOnMinutes, d.DelayDurationMinutes,
		d.DelayActive, nullTime(d.DelayStartedAt), nullTime(d.DelayEndAt), d.ManualOverride,
		d.FirmwareVersion, d.FirmwareTargetVersion, d.FirmwareUpgradeState,
		nullTime(d.FirmwareUpgradeRequestedAt), nullTime(d.FirmwareUpgradeCompletedAt),
		d.ScheduleDirty, d.ScheduleVersion, d.ScheduleAppliedVersion,
		nullTime(d.ScheduleLastPushAt), nullTime(d.ScheduleLastSyncAt),
		nullTime(d.LastCommandAt), d.LastCommandPayload,
		d.AuditNote, nullTime(d.AuditNoteAt))
	return err
}

// Update writes the full twin back. Concurrent writers to the same twin are
// accepted with last-writer-wins semantics.
func (s *SQLStore) Update(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET
name=$2,serial=$3,module_id=$4,auth_token=$5,active=$6,
relay_state=$7,last_seen=$8,on_since=$9,total_on_minutes=$10,delay_duration_minutes=$11,
delay_active=$12,delay_started_at=$13,delay_end_at=$14,manual_override=$15,
firmware_version=$16,firmware_target_version=$17,firmware_upgrade_state=$18,
firmware_upgrade_requested_at=$19,firmware_upgrade_completed_at=$20,
schedule_dirty=$21,schedule_version=$22,schedule_applied_version=$23,
schedule_last_push_at=$24,schedule_last_sync_at=$25,last_command_at=$26,last_command_payload=$27,
audit_note=$28,audit_note_at=$29
WHERE device_id=$1;`,
		d.ID, d.Name, d.Serial, d.ModuleID, d.AuthToken, d.Active,
		d.RelayState, nullableLastSeen(d.LastSeen), nullTime(d.OnSince), d.TotalOnMinutes, d.DelayDurationMinutes,
		d.DelayActive, nullTime(d.DelayStartedAt), nullTime(d.DelayEndAt), d.ManualOverride,
		d.FirmwareVersion, d.FirmwareTargetVersion, d.FirmwareUpgradeState,
		nullTime(d.FirmwareUpgradeRequestedAt), nullTime(d.FirmwareUpgradeCompletedAt),
		d.ScheduleDirty, d.ScheduleVersion, d.ScheduleAppliedVersion,
		nullTime(d.ScheduleLastPushAt), nullTime(d.ScheduleLastSyncAt),
		nullTime(d.LastCommandAt), d.LastCommandPayload,
		d.AuditNote, nullTime(d.AuditNoteAt))
	return err
}

// ResolveOrCreate bulk-resolves serials to twins, creating twins for unknown
// serials. A lost creation race falls back to re-reading the winner's row.
func (s *SQLStore) ResolveOrCreate(ctx context.Context, serials []string) (map[string]*Device, error) {
	keys := make([]string, 0, len(serials))
	seen := map[string]bool{}
	for _, serial := range serials {
		key := strings.ToLower(strings.TrimSpace(serial))
		if key != "" && !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	result := map[string]*Device{}
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM `+s.db.Schema+`.device
WHERE serial = ANY($1) OR lower(module_id) = ANY($1);`, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result[d.Serial] = d
		if d.ModuleID != "" {
			result[strings.ToLower(d.ModuleID)] = d
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if _, ok := result[key]; ok {
			continue
		}
		d := NewDevice(key)
		err := s.Insert(ctx, d)
		if err != nil {
			var pqErr *pq.Error
			// unique violation: somebody else created the twin first
			if !(errors.As(err, &pqErr) && pqErr.Code == "23505") {
				return nil, err
			}
			d, err = s.GetBySerial(ctx, key)
			if err != nil {
				return nil, err
			}
		}
		result[key] = d
	}
	return result, nil
}

// InsertFirmwareLog appends a firmware upgrade log entry.
func (s *SQLStore) InsertFirmwareLog(ctx context.Context, l *FirmwareLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.firmware_log
(log_id,device_id,target_version,reported_version,state,requested_at,completed_at,command_payload,note)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9);`,
		l.ID, l.DeviceID, l.TargetVersion, l.ReportedVersion, l.State,
		l.RequestedAt, nullTime(l.CompletedAt), l.CommandPayload, l.Note)
	return err
}

// UpdateFirmwareLog writes a modified log entry back.
func (s *SQLStore) UpdateFirmwareLog(ctx context.Context, l *FirmwareLog) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.firmware_log SET
reported_version=$2,state=$3,completed_at=$4,note=$5 WHERE log_id=$1;`,
		l.ID, l.ReportedVersion, l.State, nullTime(l.CompletedAt), l.Note)
	return err
}

// LatestPendingFirmwareLog returns the most recent pending upgrade log for
// the device, or nil if there is none.
func (s *SQLStore) LatestPendingFirmwareLog(ctx context.Context, deviceID uuid.UUID) (*FirmwareLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT log_id,device_id,target_version,reported_version,state,requested_at,completed_at,command_payload,note
FROM `+s.db.Schema+`.firmware_log WHERE device_id=$1 AND state='pending'
ORDER BY requested_at DESC, log_id DESC LIMIT 1;`, deviceID)
	l, err := scanFirmwareLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ListFirmwareLogs returns all upgrade log entries for a device, newest first.
func (s *SQLStore) ListFirmwareLogs(ctx context.Context, deviceID uuid.UUID) ([]*FirmwareLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT log_id,device_id,target_version,reported_version,state,requested_at,completed_at,command_payload,note
FROM `+s.db.Schema+`.firmware_log WHERE device_id=$1 ORDER BY requested_at DESC, log_id DESC;`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	logs := []*FirmwareLog{}
	for rows.Next() {
		l, err := scanFirmwareLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanFirmwareLog(row rowScanner) (*FirmwareLog, error) {
	var (
		l           FirmwareLog
		completedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.DeviceID, &l.TargetVersion, &l.ReportedVersion, &l.State,
		&l.RequestedAt, &completedAt, &l.CommandPayload, &l.Note)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		l.CompletedAt = &t
	}
	return &l, nil
}
