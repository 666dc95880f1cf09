/*Package pgstore implements the persistence gateway on Postgres

The store uses three tables in the configured schema:

	device            one row per device, with its credential, status and last ping
	virtual_pin       last flushed value per device pin
	"_device_event_"  append only device event log

With UpdateSchema set, missing tables are created at construction time.
*/
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/iotpioneers/iotdatahub-sub004/core/csql"
	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway"
)

// postgres error class for foreign key violations
const foreignKeyViolation = "23503"

// Builder is a builder helper for the Store
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// UpdateSchema creates the tables if they do not exist yet
	UpdateSchema bool
}

// Store is a gateway.Gateway on Postgres
type Store struct {
	db     *csql.DB
	schema string

	findQuery      string
	eventQuery     string
	statusQuery    string
	staleQuery     string
	pinsQuery      string
	storePinQuery  string
	addDeviceQuery string
}

var _ gateway.Gateway = (*Store)(nil)

// New creates a new store
func New(bb Builder) (*Store, error) {
	if bb.DB == nil {
		panic("DB is missing")
	}
	s := &Store{db: bb.DB, schema: bb.DB.Schema}
	if bb.UpdateSchema {
		if err := s.createTables(); err != nil {
			return nil, err
		}
	}

	s.findQuery = `SELECT device_id, name, status, last_ping FROM ` + s.schema + `.device WHERE auth_token = $1;`
	s.eventQuery = `INSERT INTO ` + s.schema + `."_device_event_" (device_id, payload, severity, created_at) VALUES ($1, $2, $3, $4);`
	s.statusQuery = `UPDATE ` + s.schema + `.device SET status = $2, last_ping = COALESCE($3, last_ping) WHERE device_id = $1;`
	s.staleQuery = `SELECT device_id FROM ` + s.schema + `.device
WHERE status = 'ONLINE' AND (last_ping IS NULL OR last_ping < $1)
ORDER BY device_id;`
	s.pinsQuery = `SELECT pin, value, updated_at FROM ` + s.schema + `.virtual_pin WHERE device_id = $1 ORDER BY pin;`
	s.storePinQuery = `INSERT INTO ` + s.schema + `.virtual_pin (device_id, pin, value, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id, pin) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
WHERE ` + s.schema + `.virtual_pin.updated_at <= EXCLUDED.updated_at;`
	s.addDeviceQuery = `INSERT INTO ` + s.schema + `.device (device_id, name, auth_token, status) VALUES ($1, $2, $3, 'OFFLINE')
ON CONFLICT (device_id) DO UPDATE SET name = EXCLUDED.name, auth_token = EXCLUDED.auth_token;`
	return s, nil
}

func (s *Store) createTables() error {
	// poor man's database migrations
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.schema + `.device
(device_id VARCHAR NOT NULL,
name VARCHAR NOT NULL DEFAULT '',
auth_token VARCHAR NOT NULL UNIQUE,
status VARCHAR NOT NULL DEFAULT 'OFFLINE',
last_ping TIMESTAMP,
PRIMARY KEY(device_id)
);
CREATE table IF NOT EXISTS ` + s.schema + `.virtual_pin
(device_id VARCHAR NOT NULL references ` + s.schema + `.device(device_id) ON DELETE CASCADE,
pin VARCHAR NOT NULL,
value VARCHAR NOT NULL,
updated_at TIMESTAMP NOT NULL,
PRIMARY KEY(device_id, pin)
);
CREATE table IF NOT EXISTS ` + s.schema + `."_device_event_"
(serial SERIAL,
device_id VARCHAR NOT NULL references ` + s.schema + `.device(device_id) ON DELETE CASCADE,
payload JSON NOT NULL,
severity VARCHAR NOT NULL,
created_at TIMESTAMP NOT NULL,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS device_event_device_id_created_at ON ` + s.schema + `."_device_event_"(device_id, created_at);`)
	if err != nil {
		return fmt.Errorf("cannot create device tables: %w", err)
	}
	logger.Default().Infoln("device tables ready in schema", s.schema)
	return nil
}

// AddDevice provisions a device with its credential, or updates name and
// credential of an existing one
func (s *Store) AddDevice(ctx context.Context, id, name, token string) error {
	_, err := s.db.ExecContext(ctx, s.addDeviceQuery, id, name, token)
	return err
}

// FindDeviceByCredential implements gateway.Gateway
func (s *Store) FindDeviceByCredential(ctx context.Context, token string) (gateway.Device, error) {
	var (
		device   gateway.Device
		status   string
		lastPing sql.NullTime
	)
	if len(token) == 0 {
		return device, gateway.ErrNotFound
	}
	err := s.db.QueryRowContext(ctx, s.findQuery, token).Scan(&device.ID, &device.Name, &status, &lastPing)
	if errors.Is(err, csql.ErrNoRows) {
		return device, gateway.ErrNotFound
	}
	if err != nil {
		return device, err
	}
	device.Status = gateway.Status(status)
	if lastPing.Valid {
		device.LastPing = lastPing.Time
	}
	return device, nil
}

// RecordDeviceEvent implements gateway.Gateway
func (s *Store) RecordDeviceEvent(ctx context.Context, deviceID string, payload []byte, severity gateway.Severity, createdAt time.Time) error {
	document, err := eventDocument(payload)
	if err != nil {
		return err
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.eventQuery, deviceID, string(document), string(severity), createdAt.UTC())
	return notFoundOnForeignKey(err)
}

// eventDocument returns the JSON stored for an event payload. JSON payloads are
// stored as they are, other text as a JSON string, and bytes which are not
// valid UTF-8 as {"encoding":"base64","payload":"..."}.
func eventDocument(payload []byte) ([]byte, error) {
	if json.Valid(payload) {
		return payload, nil
	}
	text, encoding := iot.EncodePayload(payload)
	if len(encoding) == 0 {
		return json.Marshal(text)
	}
	return json.Marshal(struct {
		Encoding string `json:"encoding"`
		Payload  string `json:"payload"`
	}{encoding, text})
}

// UpdateDeviceStatus implements gateway.Gateway
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status gateway.Status, lastPing time.Time) error {
	ping := sql.NullTime{Time: lastPing.UTC(), Valid: !lastPing.IsZero()}
	res, err := s.db.ExecContext(ctx, s.statusQuery, deviceID, string(status), ping)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err == nil && count == 0 {
		return gateway.ErrNotFound
	}
	return err
}

// ListStaleDevices implements gateway.Gateway
func (s *Store) ListStaleDevices(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.staleQuery, time.Now().UTC().Add(-threshold))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// GetVirtualPins implements gateway.Gateway
func (s *Store) GetVirtualPins(ctx context.Context, deviceID string) ([]gateway.Pin, error) {
	rows, err := s.db.QueryContext(ctx, s.pinsQuery, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []gateway.Pin
	for rows.Next() {
		var pin gateway.Pin
		if err := rows.Scan(&pin.Name, &pin.Value, &pin.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, pin)
	}
	return result, rows.Err()
}

// StorePinValues implements gateway.Gateway. Older values never overwrite
// newer ones.
func (s *Store) StorePinValues(ctx context.Context, deviceID string, pins []gateway.Pin) error {
	if len(pins) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, pin := range pins {
		if _, err = tx.ExecContext(ctx, s.storePinQuery, deviceID, pin.Name, pin.Value, pin.UpdatedAt.UTC()); err != nil {
			tx.Rollback()
			return notFoundOnForeignKey(err)
		}
	}
	return tx.Commit()
}

// notFoundOnForeignKey maps a reference to an unknown device to gateway.ErrNotFound
func notFoundOnForeignKey(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", gateway.ErrNotFound, pqErr.Detail)
	}
	return err
}
