// Package session implements the unit of work: it tracks pending inserts,
// updates, and deletes against one transaction, keeps at most one live
// instance per database row through a per-session identity map, and
// resolves relationships between entities with selectable strategies.
//
// A Session is bound to a single goroutine. The pool it leases its
// connection from is concurrency-safe; the session itself is not.
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/pool"
	"github.com/meridian-data/meridian-engine/pkg/query"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// State is the lifecycle state of a session.
type State string

const (
	StateOpen       State = "open"
	StateFlushing   State = "flushing"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Changes is a point-in-time view of the pending change sets.
type Changes struct {
	New     []any
	Dirty   []any
	Removed []any
}

// link records a deferred foreign-key assignment from a pending parent to
// a pending child, resolved during flush once the parent has a key.
type link struct {
	child    any
	fkColumn string
	parent   any
}

// Session is a unit of work over one pooled connection and one
// transaction.
type Session struct {
	registry *schema.Registry
	pool     *pool.Pool
	conn     *pool.PooledConn
	exec     *executor
	logger   *zap.Logger

	state    State
	identity *identityMap

	pending []any // pending inserts, in Add order
	removed []any // pending deletes, in Delete order
	links   []link

	// snapshots hold column values captured at load or last flush; dirty
	// detection diffs them against current values at flush time.
	snapshots map[identityKey]map[string]any
	tracked   []identityKey // snapshot keys in first-seen order

	// related caches resolved relationship traversals per entity.
	// forbidden marks traversals excluded by a LoadForbid query.
	related   map[identityKey]map[string][]any
	forbidden map[identityKey]map[string]bool

	// journal records flush-time side effects so a failed flush can
	// revert them; only set while a flush is in progress.
	journal *flushJournal

	flushSeq     int
	savepointSeq int
}

// Open acquires a connection from the pool, begins a transaction, and
// returns an open session. The connection stays leased to the session
// until Commit, Rollback, or Close returns it.
func Open(ctx context.Context, registry *schema.Registry, p *pool.Pool, logger *zap.Logger) (*Session, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := conn.Begin(ctx); err != nil {
		p.Discard(conn)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	log := logger.Named("session")
	return &Session{
		registry:  registry,
		pool:      p,
		conn:      conn,
		exec:      newExecutor(conn, log),
		logger:    log,
		state:     StateOpen,
		identity:  newIdentityMap(),
		snapshots: make(map[identityKey]map[string]any),
		related:   make(map[identityKey]map[string][]any),
		forbidden: make(map[identityKey]map[string]bool),
	}, nil
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) checkOpen() error {
	if s.state != StateOpen {
		return fmt.Errorf("%w: session is %s", apperrors.ErrSessionClosed, s.state)
	}
	return nil
}

// Add marks a transient entity pending-insert. No I/O happens until
// Flush. entity must be a pointer to a registered struct.
func (s *Session) Add(entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	meta, err := s.registry.Lookup(entity)
	if err != nil {
		return err
	}
	if !isPointer(entity) {
		return fmt.Errorf("entity %s: Add requires a pointer", meta.Name)
	}
	if s.isPending(entity) {
		return nil
	}
	if !meta.HasZeroKey(entity) {
		if _, tracked := s.identity.get(s.keyOf(meta, entity)); tracked {
			return fmt.Errorf("entity %s key=%v is already persistent", meta.Name, meta.PrimaryKey(entity))
		}
	}
	s.pending = append(s.pending, entity)
	return nil
}

// Link adds child as pending (when not already tracked) and defers setting
// its foreign-key column from parent's primary key until flush, after the
// parent's key is known. relationship names a Many relationship declared
// on the parent's entity type.
func (s *Session) Link(parent any, relationship string, child any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	parentMeta, err := s.registry.Lookup(parent)
	if err != nil {
		return err
	}
	rel, err := parentMeta.Relationship(relationship)
	if err != nil {
		return err
	}
	if rel.Cardinality != schema.Many || rel.JoinTable != "" {
		return fmt.Errorf("entity %s relationship %q: Link requires a foreign-key many relationship",
			parentMeta.Name, relationship)
	}
	childMeta, err := s.registry.Lookup(child)
	if err != nil {
		return err
	}
	if childMeta.Type != structTypeOf(rel.Target) {
		return fmt.Errorf("entity %s relationship %q targets %s, got %s",
			parentMeta.Name, relationship, structTypeOf(rel.Target).Name(), childMeta.Name)
	}
	if err := s.Add(child); err != nil {
		return err
	}
	s.links = append(s.links, link{child: child, fkColumn: rel.ForeignKey, parent: parent})
	return nil
}

// Delete marks an entity pending-delete. Deleting a pending insert just
// cancels it; deleting a persistent entity queues a DELETE for flush.
func (s *Session) Delete(entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	meta, err := s.registry.Lookup(entity)
	if err != nil {
		return err
	}

	if s.isPending(entity) {
		s.dropPending(entity)
		return nil
	}

	k := s.keyOf(meta, entity)
	if _, tracked := s.identity.get(k); !tracked {
		return fmt.Errorf("entity %s key=%v is not tracked by this session", meta.Name, meta.PrimaryKey(entity))
	}
	for _, r := range s.removed {
		if r == entity {
			return nil
		}
	}
	s.removed = append(s.removed, entity)
	return nil
}

// Get returns the entity with the given primary key, from the identity
// map when already loaded, otherwise via a single-row query. A miss
// returns apperrors.ErrNotFound.
func (s *Session) Get(ctx context.Context, prototype any, key any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.registry.Lookup(prototype)
	if err != nil {
		return nil, err
	}

	k := identityKey{entity: meta.Name, key: normalizeKey(key)}
	if entity, ok := s.identity.get(k); ok {
		return entity, nil
	}

	q := query.New(prototype).Where(query.Eq(meta.PKColumn().Name, key)).Limit(1)
	compiled, err := q.Compile(s.registry, s.pool.Dialect())
	if err != nil {
		return nil, err
	}
	result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s key=%v", apperrors.ErrNotFound, meta.Name, key)
	}

	entity, err := s.hydrate(meta, result.Rows[0], false)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// PendingChanges returns the current change sets: pending inserts,
// entities whose snapshot diff shows modifications, and pending deletes.
// After a failed flush everything is still here for inspection.
func (s *Session) PendingChanges() Changes {
	return Changes{
		New:     append([]any(nil), s.pending...),
		Dirty:   s.dirtyEntities(),
		Removed: append([]any(nil), s.removed...),
	}
}

// Commit flushes any pending changes, commits the transaction, and closes
// the session. Tracked entities become detached.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := s.conn.Commit(ctx); err != nil {
		s.forceClose(err)
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.close(StateCommitted, false)
	return nil
}

// Rollback discards all pending changes and the transaction, then closes
// the session.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.conn.Rollback(ctx)
	if err != nil {
		s.forceClose(err)
		return fmt.Errorf("rollback transaction: %w", err)
	}
	s.close(StateRolledBack, false)
	return nil
}

// Close rolls back and releases the connection if the session is still
// open. Safe to defer alongside explicit Commit.
func (s *Session) Close(ctx context.Context) error {
	if s.state != StateOpen {
		return nil
	}
	return s.Rollback(ctx)
}

// Savepoint is a handle to a nested transaction scope.
type Savepoint struct {
	session *Session
	name    string
	done    bool
}

// BeginNested establishes a savepoint. Rolling back the returned handle
// undoes only statements issued since this point, leaving the outer
// transaction open.
func (s *Session) BeginNested(ctx context.Context) (*Savepoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.savepointSeq++
	name := fmt.Sprintf("meridian_sp_%d", s.savepointSeq)
	if err := s.conn.Savepoint(ctx, name); err != nil {
		return nil, fmt.Errorf("begin nested: %w", err)
	}
	return &Savepoint{session: s, name: name}, nil
}

// Rollback undoes the statements issued since the savepoint.
func (sp *Savepoint) Rollback(ctx context.Context) error {
	if sp.done {
		return fmt.Errorf("savepoint %s already resolved", sp.name)
	}
	if err := sp.session.checkOpen(); err != nil {
		return err
	}
	sp.done = true
	if err := sp.session.conn.RollbackTo(ctx, sp.name); err != nil {
		return fmt.Errorf("rollback nested: %w", err)
	}
	return nil
}

// Release discards the savepoint, keeping its statements in the outer
// transaction.
func (sp *Savepoint) Release(ctx context.Context) error {
	if sp.done {
		return fmt.Errorf("savepoint %s already resolved", sp.name)
	}
	if err := sp.session.checkOpen(); err != nil {
		return err
	}
	sp.done = true
	if err := sp.session.conn.ReleaseSavepoint(ctx, sp.name); err != nil {
		return fmt.Errorf("release nested: %w", err)
	}
	return nil
}

// execute runs one statement; a lost connection forces the session
// closed, so every later call fails with ErrSessionClosed.
func (s *Session) execute(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	result, err := s.exec.execute(ctx, sqlText, args...)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionLost) {
			s.forceClose(err)
		}
		return nil, err
	}
	return result, nil
}

// forceClose handles an unrecoverable connection failure: the transaction
// is gone, the connection goes back to the pool as broken, and the
// session becomes rolled back.
func (s *Session) forceClose(cause error) {
	if errors.Is(cause, apperrors.ErrConnectionLost) {
		s.logger.Warn("connection lost, session forced closed", zap.Error(cause))
		s.close(StateRolledBack, true)
	}
}

// close releases the connection and detaches all tracked entities.
func (s *Session) close(final State, broken bool) {
	if s.conn != nil {
		if broken {
			s.pool.Discard(s.conn)
		} else {
			s.pool.Release(s.conn)
		}
		s.conn = nil
	}
	s.identity.clear()
	s.snapshots = make(map[identityKey]map[string]any)
	s.tracked = nil
	s.pending = nil
	s.removed = nil
	s.links = nil
	s.related = make(map[identityKey]map[string][]any)
	s.forbidden = make(map[identityKey]map[string]bool)
	s.state = final
}

func (s *Session) keyOf(meta *schema.Meta, entity any) identityKey {
	return identityKey{entity: meta.Name, key: normalizeKey(meta.PrimaryKey(entity))}
}

func (s *Session) isPending(entity any) bool {
	for _, p := range s.pending {
		if p == entity {
			return true
		}
	}
	return false
}

func (s *Session) dropPending(entity any) {
	for i, p := range s.pending {
		if p == entity {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	for i := 0; i < len(s.links); {
		if s.links[i].child == entity {
			s.links = append(s.links[:i], s.links[i+1:]...)
			continue
		}
		i++
	}
}

// hydrate turns a result row into a tracked entity, routing through the
// identity map so a row already loaded in this session yields the same
// instance. New instances get a snapshot for dirty detection.
func (s *Session) hydrate(meta *schema.Meta, row map[string]any, refresh bool) (any, error) {
	fresh, err := meta.Hydrate(row)
	if err != nil {
		return nil, err
	}
	k := s.keyOf(meta, fresh)
	entity := s.identity.put(k, fresh, refresh)
	if entity == fresh || refresh {
		s.track(meta, k, entity)
	}
	return entity, nil
}

// track records a snapshot of the entity's current column values.
func (s *Session) track(meta *schema.Meta, k identityKey, entity any) {
	if _, seen := s.snapshots[k]; !seen {
		s.tracked = append(s.tracked, k)
	}
	s.snapshots[k] = meta.ColumnValues(entity)
}

// dirtyEntities diffs every tracked entity against its snapshot.
func (s *Session) dirtyEntities() []any {
	var dirty []any
	for _, k := range s.tracked {
		entity, ok := s.identity.get(k)
		if !ok {
			continue
		}
		if s.isRemoved(entity) {
			continue
		}
		meta, err := s.registry.LookupName(k.entity)
		if err != nil {
			continue
		}
		if len(changedColumns(meta, entity, s.snapshots[k])) > 0 {
			dirty = append(dirty, entity)
		}
	}
	return dirty
}

func (s *Session) isRemoved(entity any) bool {
	for _, r := range s.removed {
		if r == entity {
			return true
		}
	}
	return false
}

// changedColumns returns the names of columns whose current value differs
// from the snapshot, excluding the primary key and version column.
func changedColumns(meta *schema.Meta, entity any, snapshot map[string]any) []string {
	current := meta.ColumnValues(entity)
	var changed []string
	for _, col := range meta.Columns {
		if col.PK || col.Version {
			continue
		}
		if !valuesEqual(current[col.Name], snapshot[col.Name]) {
			changed = append(changed, col.Name)
		}
	}
	return changed
}
