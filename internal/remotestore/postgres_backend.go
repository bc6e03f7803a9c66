package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/notesync/internal/model"
)

const (
	postgresTablePrefix      = "notesync"
	postgresOperationTimeout = 5 * time.Second
	postgresCommitsKey       = "commits"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps the store in four tables under tablePrefix:
// entities (one row per entity record), changes (one row per change log
// commit), idempotency (one row per create key) and meta (the commit
// counter). Save writes only what changed since the last successful save.
type PostgresStateBackend struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu    sync.Mutex
	saved savedView
}

// savedView is what the backend believes the tables hold.
type savedView struct {
	commits     uint64
	entities    map[string]uint64
	changeMin   map[string]uint64
	changeMax   map[string]uint64
	idempotency map[string]struct{}
}

func newSavedView() savedView {
	return savedView{
		entities:    map[string]uint64{},
		changeMin:   map[string]uint64{},
		changeMax:   map[string]uint64{},
		idempotency: map[string]struct{}{},
	}
}

type entityRow struct {
	id       string
	typ      model.EntityType
	ownerID  string
	revision uint64
	record   []byte
	hash     uint64
}

type changeRow struct {
	entityID string
	revision uint64
	commit   []byte
}

type idempotencyRow struct {
	key   string
	entry idempotencyEntry
}

// savePlan is the delta between a savedView and a persistedState.
type savePlan struct {
	commits         uint64
	commitsChanged  bool
	upserts         []entityRow
	removedEntities []string
	changes         []changeRow
	// changeFloors maps an entity id to the lowest change revision still
	// retained; rows below it are deleted.
	changeFloors     map[string]uint64
	idempotencyAdds  []idempotencyRow
	idempotencyDrops []string
}

func (p savePlan) empty() bool {
	return !p.commitsChanged && len(p.upserts) == 0 && len(p.removedEntities) == 0 &&
		len(p.changes) == 0 && len(p.changeFloors) == 0 &&
		len(p.idempotencyAdds) == 0 && len(p.idempotencyDrops) == 0
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:         dsn,
		tablePrefix: postgresTablePrefix,
		openDB:      sql.Open,
		saved:       newSavedView(),
	}, nil
}

func (b *PostgresStateBackend) table(name string) string {
	return pq.QuoteIdentifier(b.tablePrefix + "_" + name)
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	state := &persistedState{
		Entities:    map[string]*entityRecord{},
		Idempotency: map[string]idempotencyEntry{},
		ChangeLog:   map[string][]Commit{},
	}
	view := newSavedView()
	found := false

	var commits int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = $1", b.table("meta")), postgresCommitsKey).Scan(&commits)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load commit counter: %w", err)
	default:
		found = true
		state.Commits = uint64(commits)
		view.commits = state.Commits
	}

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT entity_id, record FROM %s", b.table("entities")))
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		var rec entityRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode entity %s: %w", id, err)
		}
		// JSONB normalizes the document, so fingerprint the re-encoded record.
		canonical, err := json.Marshal(&rec)
		if err != nil {
			rows.Close()
			return nil, err
		}
		state.Entities[id] = &rec
		view.entities[id] = fingerprint(canonical)
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, fmt.Sprintf("SELECT entity_id, revision, payload FROM %s ORDER BY entity_id, revision", b.table("changes")))
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	for rows.Next() {
		var id string
		var revision int64
		var payload []byte
		if err := rows.Scan(&id, &revision, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		var c Commit
		if err := json.Unmarshal(payload, &c); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode change %s@%d: %w", id, revision, err)
		}
		state.ChangeLog[id] = append(state.ChangeLog[id], c)
		view.noteChange(id, uint64(revision))
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, fmt.Sprintf("SELECT key, entity_id, entity_type, created_at FROM %s", b.table("idempotency")))
	if err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}
	for rows.Next() {
		var key, entityID, entityType string
		var createdAt time.Time
		if err := rows.Scan(&key, &entityID, &entityType, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		state.Idempotency[key] = idempotencyEntry{EntityID: entityID, Type: model.EntityType(entityType), CreatedAt: createdAt}
		view.idempotency[key] = struct{}{}
		found = true
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}

	b.mu.Lock()
	b.saved = view
	b.mu.Unlock()
	if !found {
		return nil, nil
	}
	return state, nil
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	plan, err := planSave(b.saved, state)
	if err != nil {
		return err
	}
	if plan.empty() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := b.writePlanTx(ctx, tx, plan); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.saved.apply(plan)
	return nil
}

func (b *PostgresStateBackend) writePlanTx(ctx context.Context, tx *sql.Tx, plan savePlan) error {
	if plan.commitsChanged {
		query := fmt.Sprintf(`
			INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, b.table("meta"))
		if _, err := tx.ExecContext(ctx, query, postgresCommitsKey, int64(plan.commits)); err != nil {
			return fmt.Errorf("save commit counter: %w", err)
		}
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (entity_id, entity_type, owner_id, revision, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			owner_id = EXCLUDED.owner_id,
			revision = EXCLUDED.revision,
			record = EXCLUDED.record,
			updated_at = NOW()`, b.table("entities"))
	for _, row := range plan.upserts {
		if _, err := tx.ExecContext(ctx, upsert, row.id, string(row.typ), row.ownerID, int64(row.revision), string(row.record)); err != nil {
			return fmt.Errorf("save entity %s: %w", row.id, err)
		}
	}
	if len(plan.removedEntities) > 0 {
		for _, name := range []string{"entities", "changes"} {
			query := fmt.Sprintf("DELETE FROM %s WHERE entity_id = ANY($1)", b.table(name))
			if _, err := tx.ExecContext(ctx, query, pq.Array(plan.removedEntities)); err != nil {
				return fmt.Errorf("remove entities: %w", err)
			}
		}
	}
	insertChange := fmt.Sprintf(`
		INSERT INTO %s (entity_id, revision, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, revision) DO UPDATE SET payload = EXCLUDED.payload`, b.table("changes"))
	for _, row := range plan.changes {
		if _, err := tx.ExecContext(ctx, insertChange, row.entityID, int64(row.revision), string(row.commit)); err != nil {
			return fmt.Errorf("save change %s@%d: %w", row.entityID, row.revision, err)
		}
	}
	pruneChanges := fmt.Sprintf("DELETE FROM %s WHERE entity_id = $1 AND revision < $2", b.table("changes"))
	for id, floor := range plan.changeFloors {
		if _, err := tx.ExecContext(ctx, pruneChanges, id, int64(floor)); err != nil {
			return fmt.Errorf("prune changes for %s: %w", id, err)
		}
	}
	insertKey := fmt.Sprintf(`
		INSERT INTO %s (key, entity_id, entity_type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`, b.table("idempotency"))
	for _, row := range plan.idempotencyAdds {
		if _, err := tx.ExecContext(ctx, insertKey, row.key, row.entry.EntityID, string(row.entry.Type), row.entry.CreatedAt); err != nil {
			return fmt.Errorf("save idempotency key: %w", err)
		}
	}
	if len(plan.idempotencyDrops) > 0 {
		query := fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", b.table("idempotency"))
		if _, err := tx.ExecContext(ctx, query, pq.Array(plan.idempotencyDrops)); err != nil {
			return fmt.Errorf("prune idempotency keys: %w", err)
		}
	}
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value BIGINT NOT NULL
			)`, b.table("meta")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				entity_id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				revision BIGINT NOT NULL,
				record JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, b.table("entities")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				entity_id TEXT NOT NULL,
				revision BIGINT NOT NULL,
				payload JSONB NOT NULL,
				PRIMARY KEY (entity_id, revision)
			)`, b.table("changes")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				entity_id TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`, b.table("idempotency")),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create state tables: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

// planSave computes the rows that differ between what was last saved and
// state. It does not modify either argument.
func planSave(saved savedView, state *persistedState) (savePlan, error) {
	plan := savePlan{
		commits:        state.Commits,
		commitsChanged: state.Commits != saved.commits,
		changeFloors:   map[string]uint64{},
	}

	for _, id := range sortedKeys(state.Entities) {
		rec := state.Entities[id]
		if rec == nil {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return savePlan{}, fmt.Errorf("encode entity %s: %w", id, err)
		}
		hash := fingerprint(payload)
		if prev, ok := saved.entities[id]; ok && prev == hash {
			continue
		}
		plan.upserts = append(plan.upserts, entityRow{
			id:       id,
			typ:      rec.Entity.Type,
			ownerID:  rec.Entity.OwnerID,
			revision: rec.Entity.Revision,
			record:   payload,
			hash:     hash,
		})
	}
	for _, id := range sortedKeys(saved.entities) {
		if rec, ok := state.Entities[id]; !ok || rec == nil {
			plan.removedEntities = append(plan.removedEntities, id)
		}
	}

	for _, id := range sortedKeys(state.ChangeLog) {
		log := state.ChangeLog[id]
		if len(log) == 0 {
			if hi, ok := saved.changeMax[id]; ok {
				plan.changeFloors[id] = hi + 1
			}
			continue
		}
		savedMax, hasSaved := saved.changeMax[id]
		for _, c := range log {
			if hasSaved && c.Revision <= savedMax {
				continue
			}
			payload, err := json.Marshal(c)
			if err != nil {
				return savePlan{}, fmt.Errorf("encode change %s@%d: %w", id, c.Revision, err)
			}
			plan.changes = append(plan.changes, changeRow{entityID: id, revision: c.Revision, commit: payload})
		}
		if lo, ok := saved.changeMin[id]; ok && lo < log[0].Revision {
			plan.changeFloors[id] = log[0].Revision
		}
	}

	for _, key := range sortedKeys(state.Idempotency) {
		if _, ok := saved.idempotency[key]; ok {
			continue
		}
		plan.idempotencyAdds = append(plan.idempotencyAdds, idempotencyRow{key: key, entry: state.Idempotency[key]})
	}
	for _, key := range sortedKeys(saved.idempotency) {
		if _, ok := state.Idempotency[key]; !ok {
			plan.idempotencyDrops = append(plan.idempotencyDrops, key)
		}
	}
	return plan, nil
}

// apply records a committed plan as saved.
func (v *savedView) apply(plan savePlan) {
	v.commits = plan.commits
	for _, row := range plan.upserts {
		v.entities[row.id] = row.hash
	}
	for _, id := range plan.removedEntities {
		delete(v.entities, id)
		delete(v.changeMin, id)
		delete(v.changeMax, id)
	}
	for _, row := range plan.changes {
		v.noteChange(row.entityID, row.revision)
	}
	for id, floor := range plan.changeFloors {
		if hi, ok := v.changeMax[id]; ok && floor > hi {
			delete(v.changeMin, id)
			delete(v.changeMax, id)
			continue
		}
		v.changeMin[id] = floor
	}
	for _, row := range plan.idempotencyAdds {
		v.idempotency[row.key] = struct{}{}
	}
	for _, key := range plan.idempotencyDrops {
		delete(v.idempotency, key)
	}
}

func (v *savedView) noteChange(entityID string, revision uint64) {
	if lo, ok := v.changeMin[entityID]; !ok || revision < lo {
		v.changeMin[entityID] = revision
	}
	if hi, ok := v.changeMax[entityID]; !ok || revision > hi {
		v.changeMax[entityID] = revision
	}
}

func fingerprint(payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return h.Sum64()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
