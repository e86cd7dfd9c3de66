package schedule

import (
	"context"
	"time"

	"github.com/genemingxingma/iot-control-center/core/csql"
)

// SQLSource reads the materialized schedule rows from postgres. The rows are
// authored elsewhere; this source never writes them.
type SQLSource struct {
	db  *csql.DB
	now func() time.Time
}

// NewSQLSource creates the sql relations for schedules and group membership
// (if they do not exist yet) and returns the source.
func NewSQLSource(db *csql.DB) *SQLSource {
	if db == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."schedule"
(schedule_id SERIAL,
name varchar NOT NULL DEFAULT '',
active boolean NOT NULL DEFAULT true,
device_id uuid,
group_id uuid,
command varchar NOT NULL DEFAULT 'on',
timezone varchar NOT NULL DEFAULT 'UTC',
hour integer NOT NULL DEFAULT 8,
minute integer NOT NULL DEFAULT 0,
monday boolean NOT NULL DEFAULT true,
tuesday boolean NOT NULL DEFAULT true,
wednesday boolean NOT NULL DEFAULT true,
thursday boolean NOT NULL DEFAULT true,
friday boolean NOT NULL DEFAULT true,
saturday boolean NOT NULL DEFAULT false,
sunday boolean NOT NULL DEFAULT false,
PRIMARY KEY(schedule_id)
);
CREATE table IF NOT EXISTS ` + db.Schema + `."device_group_member"
(group_id uuid NOT NULL,
device_id uuid NOT NULL,
PRIMARY KEY(group_id, device_id)
);`)
	if err != nil {
		panic(err)
	}

	return &SQLSource{db: db, now: time.Now}
}

// EntriesForDevice implements Source. The result contains one entry per
// enabled weekday of every active schedule that targets the device directly
// or via one of its groups, in stable schedule order.
func (s *SQLSource) EntriesForDevice(ctx context.Context, deviceID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command,timezone,hour,minute,monday,tuesday,wednesday,thursday,friday,saturday,sunday
FROM `+s.db.Schema+`.schedule
WHERE active AND (device_id = $1 OR group_id IN
 (SELECT group_id FROM `+s.db.Schema+`.device_group_member WHERE device_id = $1))
ORDER BY schedule_id;`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.now()
	entries := []Entry{}
	for rows.Next() {
		var (
			command, timezone string
			hour, minute      int
			weekdays          [7]bool
		)
		err := rows.Scan(&command, &timezone, &hour, &minute,
			&weekdays[0], &weekdays[1], &weekdays[2], &weekdays[3],
			&weekdays[4], &weekdays[5], &weekdays[6])
		if err != nil {
			return nil, err
		}
		offset := UTCOffsetMinutes(timezone, now)
		for weekday, enabled := range weekdays {
			if !enabled {
				continue
			}
			entries = append(entries, Entry{
				Weekday:   weekday,
				Hour:      hour,
				Minute:    minute,
				Action:    Action(command),
				OffsetMin: offset,
			})
		}
	}
	return entries, rows.Err()
}
