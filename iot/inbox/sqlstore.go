package inbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/genemingxingma/iot-control-center/core/csql"
)

// SQLStore is the postgres implementation of Store.
type SQLStore struct {
	db *csql.DB
}

// NewSQLStore creates the sql relations for the inbound message queue (if
// they do not exist yet) and returns the store.
func NewSQLStore(db *csql.DB) *SQLStore {
	if db == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."inbound_message"
(message_id bigserial NOT NULL,
topic varchar NOT NULL,
payload bytea NOT NULL,
state varchar NOT NULL DEFAULT 'new',
error_text varchar NOT NULL DEFAULT '',
received_at timestamp NOT NULL,
processed_at timestamp,
device_serial varchar NOT NULL DEFAULT '',
message_type varchar NOT NULL DEFAULT 'unknown',
device_id uuid,
PRIMARY KEY(message_id)
);
CREATE INDEX IF NOT EXISTS inbound_message_state_index ON ` + db.Schema + `.inbound_message(state, message_id);
CREATE INDEX IF NOT EXISTS inbound_message_serial_index ON ` + db.Schema + `.inbound_message(device_serial, received_at);
`)
	if err != nil {
		panic(err)
	}

	return &SQLStore{db: db}
}

const messageColumns = `message_id,topic,payload,state,error_text,received_at,processed_at,device_serial,message_type,device_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m           Message
		processedAt sql.NullTime
		deviceID    uuid.NullUUID
	)
	err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.State, &m.Error,
		&m.ReceivedAt, &processedAt, &m.DeviceSerial, &m.MessageType, &deviceID)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	if deviceID.Valid {
		id := deviceID.UUID
		m.DeviceID = &id
	}
	return &m, nil
}

// Create persists a new message and fills in its generated id.
func (s *SQLStore) Create(ctx context.Context, m *Message) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.db.Schema+`.inbound_message
(topic,payload,state,error_text,received_at,device_serial,message_type)
VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING message_id;`,
		m.Topic, m.Payload, m.State, m.Error, m.ReceivedAt.UTC(),
		m.DeviceSerial, m.MessageType).Scan(&m.ID)
}

// OldestNew returns up to limit unprocessed messages, oldest first.
func (s *SQLStore) OldestNew(ctx context.Context, limit int) ([]*Message, error) {
	return s.list(ctx, `WHERE state='new' ORDER BY message_id ASC LIMIT $1`, limit)
}

// ListRecent returns up to limit messages, newest first.
func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]*Message, error) {
	return s.list(ctx, `ORDER BY message_id DESC LIMIT $1`, limit)
}

func (s *SQLStore) list(ctx context.Context, clause string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM `+s.db.Schema+`.inbound_message `+clause+`;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkProcessed persists the message's final processing state.
func (s *SQLStore) MarkProcessed(ctx context.Context, m *Message) error {
	var deviceID uuid.NullUUID
	if m.DeviceID != nil {
		deviceID = uuid.NullUUID{UUID: *m.DeviceID, Valid: true}
	}
	var processedAt sql.NullTime
	if m.ProcessedAt != nil {
		processedAt = sql.NullTime{Time: m.ProcessedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.inbound_message SET
state=$2,error_text=$3,processed_at=$4,device_id=$5 WHERE message_id=$1;`,
		m.ID, m.State, m.Error, processedAt, deviceID)
	return err
}

// MarkDoneBulk marks the given messages done in one statement.
func (s *SQLStore) MarkDoneBulk(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.inbound_message SET state='done',processed_at=$2
WHERE message_id = ANY($1);`, pq.Int64Array(ids), at.UTC())
	return err
}
