// Package sqlstore implements the storage driver specialization of §4.5
// on top of SQLite: contact changes are persisted as they arrive, groups
// can be reloaded from disk, and the driver advertises its batching and
// transaction support through Capabilities. The kernel does not read
// Capabilities or open batches; it dispatches each change on its own.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/propagator/contact"
	"github.com/teranos/propagator/driver"
	"github.com/teranos/propagator/errors"
	"github.com/teranos/propagator/logging"
)

const (
	journalMode = "WAL"
	busyTimeout = 5000
)

// Driver is a SQLite-backed storage driver. It persists every dispatched
// ContactChange and can reload a group's contacts from the change log.
type Driver struct {
	id, name, version string
	path              string
	maxBatchSize      int

	db *sql.DB

	tx *sql.Tx // non-nil while a transactional batch is open
}

// Config controls the SQLite storage driver.
type Config struct {
	Path         string
	MaxBatchSize int
}

// New constructs a sqlstore driver bound to the database at cfg.Path. The
// database is opened and migrated by Initialize, not here, matching the
// other drivers' lazy-initialize-on-command contract.
func New(id, name, version string, cfg Config) *Driver {
	return &Driver{id: id, name: name, version: version, path: cfg.Path, maxBatchSize: cfg.MaxBatchSize}
}

// withDB binds an already-open database connection directly, bypassing
// open(). Used by tests to substitute a sqlmock connection.
func (d *Driver) withDB(db *sql.DB) *Driver {
	d.db = db
	return d
}

func (d *Driver) ID() string      { return d.id }
func (d *Driver) Name() string    { return d.name }
func (d *Driver) Version() string { return d.version }

// HandleChange persists one ContactChange row.
func (d *Driver) HandleChange(ctx context.Context, change contact.ContactChange) (driver.DriverResponse, error) {
	if d.db == nil {
		return driver.DriverResponse{}, errors.NewDriverError(d.id, true, errors.Newf("storage driver not initialized"))
	}

	payload, err := json.Marshal(change.Value)
	if err != nil {
		return driver.DriverResponse{}, errors.NewDriverError(d.id, false, errors.Wrap(err, "failed to marshal change value"))
	}

	exec := sqlExecer(d.db, d.tx)
	_, err = exec.ExecContext(ctx,
		`INSERT INTO contact_changes (contact_id, group_id, value, timestamp) VALUES (?, ?, ?, ?)`,
		string(change.ContactId), string(change.GroupId), string(payload), change.Timestamp.UnixNano(),
	)
	if err != nil {
		return driver.DriverResponse{}, errors.NewDriverError(d.id, false, errors.Wrap(err, "failed to insert contact change"))
	}
	return driver.DriverResponse{Acknowledged: true}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func sqlExecer(db *sql.DB, tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return db
}

// HandleCommand handles initialize/shutdown/health-check.
func (d *Driver) HandleCommand(ctx context.Context, cmd driver.Command) (driver.CommandResponse, error) {
	switch cmd.Kind {
	case driver.CommandInitialize:
		if err := d.open(); err != nil {
			return driver.CommandResponse{}, errors.NewCommandError(d.id, false, err)
		}
		return driver.CommandResponse{}, nil

	case driver.CommandShutdown:
		if d.db == nil {
			return driver.CommandResponse{}, nil
		}
		if err := d.db.Close(); err != nil {
			return driver.CommandResponse{}, errors.NewCommandError(d.id, cmd.Force, err)
		}
		d.db = nil
		return driver.CommandResponse{}, nil

	case driver.CommandHealthCheck:
		return driver.CommandResponse{Data: map[string]interface{}{"healthy": d.IsHealthy(ctx)}}, nil

	default:
		return driver.CommandResponse{}, errors.NewCommandError(d.id, true, errors.Newf("unsupported command: %s", cmd.Kind))
	}
}

func (d *Driver) open() error {
	if dir := filepath.Dir(d.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", d.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", d.path)
	}

	if _, err := db.Exec("PRAGMA journal_mode = " + journalMode); err != nil {
		db.Close()
		return errors.Wrapf(err, "failed to enable %s journal mode", journalMode)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = ?", busyTimeout); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to set busy timeout")
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to apply schema")
	}

	d.db = db
	logging.Logger.Infow("sqlstore opened", logging.FieldDriver, d.id, "path", d.path)
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contact_changes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	contact_id TEXT NOT NULL,
	group_id   TEXT NOT NULL,
	value      TEXT,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contact_changes_contact ON contact_changes (contact_id);
CREATE INDEX IF NOT EXISTS idx_contact_changes_group ON contact_changes (group_id);
`

// IsHealthy reports whether the database connection is open and pingable.
func (d *Driver) IsHealthy(ctx context.Context) bool {
	if d.db == nil {
		return false
	}
	return d.db.PingContext(ctx) == nil
}

// LoadGroup reconstructs a GroupState's contacts from the most recent
// change row recorded for each contact_id within groupId. Wires are not
// persisted by this driver: it only replays last-known values.
func (d *Driver) LoadGroup(ctx context.Context, groupId contact.GroupId) (*contact.GroupState, bool, error) {
	if d.db == nil {
		return nil, false, errors.Newf("storage driver not initialized")
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT contact_id, value, MAX(timestamp)
		FROM contact_changes
		WHERE group_id = ?
		GROUP BY contact_id
	`, string(groupId))
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to query contact changes")
	}
	defer rows.Close()

	gs := contact.NewGroupState(contact.Group{ID: groupId})
	found := false
	for rows.Next() {
		found = true
		var cid, rawValue string
		var ts int64
		if err := rows.Scan(&cid, &rawValue, &ts); err != nil {
			return nil, false, errors.Wrap(err, "failed to scan contact change row")
		}

		var value contact.Value
		if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
			return nil, false, errors.Wrap(err, "failed to unmarshal stored value")
		}

		id := contact.ContactId(cid)
		gs.Contacts[id] = &contact.Contact{
			ID: id, GroupId: groupId, Content: value, BlendMode: contact.BlendAcceptLast,
		}
		gs.Group.ContactIds = append(gs.Group.ContactIds, id)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "error iterating contact change rows")
	}

	if !found {
		return nil, false, nil
	}
	return gs, true, nil
}

// Capabilities advertises this driver's support level. It does not
// support streaming, but does support batching (via BeginBatch) and
// plain SQL transactions.
func (d *Driver) Capabilities() driver.StorageCapabilities {
	return driver.StorageCapabilities{
		SupportsBatching:     true,
		SupportsTransactions: true,
		SupportsStreaming:    false,
		MaxBatchSize:         d.maxBatchSize,
		Persistent:           true,
	}
}

// CheckPreconditions verifies the database is open before a change is
// dispatched anywhere.
func (d *Driver) CheckPreconditions(ctx context.Context, change contact.ContactChange) error {
	if d.db == nil {
		return errors.NewDriverError(d.id, true, errors.Newf("storage not initialized"))
	}
	return nil
}

// CheckPostconditions verifies the row landed by counting rows recorded
// for the change's contact and timestamp. Per §7, any failure here is
// unconditionally fatal.
func (d *Driver) CheckPostconditions(ctx context.Context, change contact.ContactChange) error {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contact_changes WHERE contact_id = ? AND timestamp = ?`,
		string(change.ContactId), change.Timestamp.UnixNano(),
	).Scan(&count)
	if err != nil {
		return errors.NewDriverError(d.id, true, errors.Wrap(err, "postcondition query failed"))
	}
	if count == 0 {
		return errors.NewDriverError(d.id, true, errors.Newf("change for %s was not persisted", change.ContactId))
	}
	return nil
}

// batchHandle scopes a transactional batch opened by BeginBatch.
type batchHandle struct {
	d  *Driver
	tx *sql.Tx
}

// BeginBatch opens a SQL transaction and routes subsequent HandleChange
// calls through it until Commit or Rollback.
func (d *Driver) BeginBatch(ctx context.Context) (driver.BatchHandle, error) {
	if d.db == nil {
		return nil, errors.Newf("storage not initialized")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	d.tx = tx
	return &batchHandle{d: d, tx: tx}, nil
}

func (h *batchHandle) Commit(ctx context.Context) error {
	h.d.tx = nil
	return h.tx.Commit()
}

func (h *batchHandle) Rollback(ctx context.Context) error {
	h.d.tx = nil
	return h.tx.Rollback()
}

var _ driver.Storage = (*Driver)(nil)
var _ driver.PreconditionChecker = (*Driver)(nil)
var _ driver.PostconditionChecker = (*Driver)(nil)
var _ driver.TransactionalStorage = (*Driver)(nil)
