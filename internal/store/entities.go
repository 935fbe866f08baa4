package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownTable is returned when a change names a table no handler was
// registered for. Callers log and skip the change rather than failing the
// session, which keeps peers on different schema versions interoperable.
var ErrUnknownTable = errors.New("unknown table")

// TableHandler applies replicated changes for one entity table.
//
// Implementations must be idempotent: applying the same change any number of
// times yields the same final state as applying it once.
type TableHandler interface {
	// Upsert creates the entity if absent, otherwise overwrites only the
	// fields present in payload. The change timestamp guards against
	// out-of-order application: a stored row with a newer timestamp is
	// left untouched.
	Upsert(ctx context.Context, recordID string, payload json.RawMessage, ts time.Time) error

	// SoftDelete marks the entity inactive. Absent or already-inactive
	// entities are a no-op, not an error.
	SoftDelete(ctx context.Context, recordID string, ts time.Time) error

	// Delete removes the entity. Already-absent entities are a success.
	Delete(ctx context.Context, recordID string, ts time.Time) error
}

// TableRegistry maps table names to their handlers. The mapping is resolved
// once at startup; lookups after that are read-only.
type TableRegistry struct {
	handlers map[string]TableHandler
}

// NewTableRegistry creates an empty registry.
func NewTableRegistry() *TableRegistry {
	return &TableRegistry{handlers: make(map[string]TableHandler)}
}

// Register binds a handler to a table name. Registering the same name twice
// replaces the previous handler.
func (r *TableRegistry) Register(table string, h TableHandler) {
	r.handlers[table] = h
}

// Handler resolves the handler for a table name.
func (r *TableRegistry) Handler(table string) (TableHandler, error) {
	h, ok := r.handlers[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return h, nil
}

// Tables returns the registered table names, sorted.
func (r *TableRegistry) Tables() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply routes one change record to its table handler. This is the single
// apply path used by both sync sessions and the receive endpoint.
func (r *TableRegistry) Apply(ctx context.Context, c *ChangeRecord) error {
	h, err := r.Handler(c.Table)
	if err != nil {
		return err
	}

	switch c.Op {
	case OpInsert, OpUpdate, OpReactivate:
		return h.Upsert(ctx, c.RecordID, c.Payload, c.Timestamp)
	case OpSoftDelete:
		return h.SoftDelete(ctx, c.RecordID, c.Timestamp)
	case OpDelete:
		return h.Delete(ctx, c.RecordID, c.Timestamp)
	default:
		return fmt.Errorf("unknown operation %q for %s/%s", c.Op, c.Table, c.RecordID)
	}
}

// EntityRow is a replicated entity as stored in the generic entities table.
type EntityRow struct {
	Table     string
	RecordID  string
	Data      json.RawMessage
	Active    bool
	UpdatedAt time.Time
}

// jsonTableHandler stores entities of one table as merged JSON documents in
// the shared entities table, with a row-level last-write-wins guard.
type jsonTableHandler struct {
	db    *DB
	table string
}

// NewJSONTableHandler returns a TableHandler backed by the entities table.
func (db *DB) NewJSONTableHandler(table string) TableHandler {
	return &jsonTableHandler{db: db, table: table}
}

// RegisterTables builds a registry with a JSON document handler for each of
// the given table names.
func (db *DB) RegisterTables(tables []string) *TableRegistry {
	reg := NewTableRegistry()
	for _, t := range tables {
		reg.Register(t, db.NewJSONTableHandler(t))
	}
	return reg
}

func (h *jsonTableHandler) Upsert(ctx context.Context, recordID string, payload json.RawMessage, ts time.Time) error {
	existing, err := h.db.GetEntity(ctx, h.table, recordID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if existing != nil && existing.UpdatedAt.After(ts) {
		// Stored state is newer than the incoming change; keep it.
		return nil
	}

	var incoming map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &incoming); err != nil {
			return fmt.Errorf("malformed payload for %s/%s: %w", h.table, recordID, err)
		}
	}
	if incoming == nil {
		incoming = make(map[string]json.RawMessage)
	}

	// Overwrite only fields present in the payload; untouched fields keep
	// their stored values.
	doc := make(map[string]json.RawMessage)
	if existing != nil && len(existing.Data) > 0 {
		if err := json.Unmarshal(existing.Data, &doc); err != nil {
			return fmt.Errorf("corrupt stored entity %s/%s: %w", h.table, recordID, err)
		}
	}
	for k, v := range incoming {
		doc[k] = v
	}

	active := activeFromDoc(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s/%s: %w", h.table, recordID, err)
	}

	return h.db.putEntity(ctx, h.table, recordID, data, active, ts)
}

func (h *jsonTableHandler) SoftDelete(ctx context.Context, recordID string, ts time.Time) error {
	existing, err := h.db.GetEntity(ctx, h.table, recordID)
	if err == sql.ErrNoRows {
		return nil // already absent
	}
	if err != nil {
		return err
	}
	if existing.UpdatedAt.After(ts) {
		return nil
	}
	if !existing.Active {
		return nil // already inactive
	}

	doc := make(map[string]json.RawMessage)
	if len(existing.Data) > 0 {
		if err := json.Unmarshal(existing.Data, &doc); err != nil {
			return fmt.Errorf("corrupt stored entity %s/%s: %w", h.table, recordID, err)
		}
	}
	doc["active"] = json.RawMessage("false")
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal entity %s/%s: %w", h.table, recordID, err)
	}

	return h.db.putEntity(ctx, h.table, recordID, data, false, ts)
}

func (h *jsonTableHandler) Delete(ctx context.Context, recordID string, ts time.Time) error {
	query := `DELETE FROM entities WHERE tbl = ? AND record_id = ?`
	if _, err := h.db.conn.ExecContext(ctx, query, h.table, recordID); err != nil {
		return fmt.Errorf("failed to delete entity %s/%s: %w", h.table, recordID, err)
	}
	return nil
}

// GetEntity retrieves one replicated entity row.
// Returns sql.ErrNoRows if the entity is not found.
func (db *DB) GetEntity(ctx context.Context, table, recordID string) (*EntityRow, error) {
	query := `
	SELECT tbl, record_id, data, active, updated_at
	FROM entities
	WHERE tbl = ? AND record_id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, table, recordID)

	var e EntityRow
	var data, updatedAt string
	var active int
	if err := row.Scan(&e.Table, &e.RecordID, &data, &active, &updatedAt); err != nil {
		return nil, err
	}

	e.Data = json.RawMessage(data)
	e.Active = active != 0
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity timestamp: %w", err)
	}
	e.UpdatedAt = t
	return &e, nil
}

// ListEntities returns all rows of one table, ordered by record id.
func (db *DB) ListEntities(ctx context.Context, table string) ([]*EntityRow, error) {
	query := `
	SELECT tbl, record_id, data, active, updated_at
	FROM entities
	WHERE tbl = ?
	ORDER BY record_id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []*EntityRow
	for rows.Next() {
		var e EntityRow
		var data, updatedAt string
		var active int
		if err := rows.Scan(&e.Table, &e.RecordID, &data, &active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Data = json.RawMessage(data)
		e.Active = active != 0
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse entity timestamp: %w", err)
		}
		e.UpdatedAt = t
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return out, nil
}

func (db *DB) putEntity(ctx context.Context, table, recordID string, data []byte, active bool, ts time.Time) error {
	query := `
	INSERT INTO entities (tbl, record_id, data, active, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(tbl, record_id) DO UPDATE SET
		data = excluded.data,
		active = excluded.active,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		table, recordID, string(data), boolToInt(active), formatColumnTime(ts))
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s/%s: %w", table, recordID, err)
	}
	return nil
}

// activeFromDoc reads the conventional "active" boolean from a document,
// defaulting to true when absent or non-boolean.
func activeFromDoc(doc map[string]json.RawMessage) bool {
	raw, ok := doc["active"]
	if !ok {
		return true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return true
	}
	return b
}
