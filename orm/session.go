package orm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Session is one identity-map scope bound to a Querier: at most one
// live Record exists per (entity type, primary key) within it, each
// paired with a snapshot of its last-synced column values. Sessions are
// cheap; create one per logical connection or request. All map and
// schema-cache access is mutex-guarded, but Records themselves are not
// synchronized; share a session across goroutines, not a record.
type Session struct {
	db Querier
	d  Dialect

	mu      sync.Mutex
	entries map[string]*entry
	schema  map[string]*TableMeta
}

// entry pairs the live record with its last-synced state. The state is
// owned by the session and only ever replaced by sync operations.
type entry struct {
	rec   *Record
	state map[string]any
}

// NewSession creates a session on the given Querier (a *DB or *Tx).
func NewSession(db Querier) *Session {
	return &Session{
		db:      db,
		d:       db.dialect(),
		entries: make(map[string]*entry),
		schema:  make(map[string]*TableMeta),
	}
}

// Query starts a query for the given entity type.
func (s *Session) Query(t *Type) *Query {
	return newQuery(s, t)
}

// Find loads a record by primary key, resolved through the identity
// map. Returns ErrNotFound when no row matches.
func (s *Session) Find(ctx context.Context, t *Type, pk any) (*Record, error) {
	return s.Query(t).Find(ctx, pk)
}

func identKey(t *Type, pk any) string {
	return t.name + ":" + keyString(pk)
}

// Attach merges a record into the identity map and returns the
// authoritative instance for its key.
//
// First sighting of a key registers the record as-is and snapshots its
// column values. On collision the incoming column values are merged
// onto the existing live record, the snapshot is reset to that merged
// state, and then the existing record's pending unsaved edits are
// re-applied, so a fresher read never silently discards local changes.
// The existing instance is always the one returned.
//
// Attaching a record without a primary-key value is a programming
// error and fails with ErrNoPrimaryKey.
func (s *Session) Attach(ctx context.Context, rec *Record) (*Record, error) {
	meta, err := s.Table(ctx, rec.typ.Table())
	if err != nil {
		return nil, err
	}
	pkv := rec.Get(meta.PrimaryKey)
	if emptyKey(pkv) {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, rec.typ.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := identKey(rec.typ, pkv)
	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{rec: rec, state: rec.columnValues(meta)}
		return rec, nil
	}
	if e.rec == rec {
		e.state = rec.columnValues(meta)
		return rec, nil
	}

	pendingSet, pendingRemoved := pendingEdits(meta, e.rec, e.state)

	e.rec.Fill(rec.columnValues(meta))
	e.state = e.rec.columnValues(meta)

	for col, v := range pendingSet {
		e.rec.attrs[col] = v
	}
	for _, col := range pendingRemoved {
		e.rec.Unset(col)
	}
	return e.rec, nil
}

// pendingEdits splits a record's unsaved changes against its snapshot
// into modified values and removed columns.
func pendingEdits(meta *TableMeta, rec *Record, state map[string]any) (map[string]any, []string) {
	set := make(map[string]any)
	var removed []string
	for _, col := range meta.Columns {
		cur, curOK := rec.attrs[col]
		st, stOK := state[col]
		switch {
		case curOK && (!stOK || !Equal(cur, st)):
			set[col] = cur
		case !curOK && stOK:
			removed = append(removed, col)
		}
	}
	return set, removed
}

// Cached returns the live record for a key, or nil. Pure lookup.
func (s *Session) Cached(t *Type, pk any) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[identKey(t, pk)]; ok {
		return e.rec
	}
	return nil
}

// Contains reports whether the identity map holds an entry for the key.
func (s *Session) Contains(t *Type, pk any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[identKey(t, pk)]
	return ok
}

// Forget drops the identity-map entry for a key, if any.
func (s *Session) Forget(t *Type, pk any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, identKey(t, pk))
}

// Reset clears every identity-map entry and the schema cache.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.schema = make(map[string]*TableMeta)
}

// Len returns the number of tracked records.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// State returns a copy of the last-synced snapshot for a record, or nil
// when the record is not tracked.
func (s *Session) State(t *Type, pk any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identKey(t, pk)]
	if !ok {
		return nil
	}
	cp := make(map[string]any, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// resync replaces the snapshot for an already-tracked record (or
// registers it) with its current column values.
func (s *Session) resync(meta *TableMeta, rec *Record, pkv any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identKey(rec.typ, pkv)
	if e, ok := s.entries[key]; ok {
		e.rec = rec
		e.state = rec.columnValues(meta)
		return
	}
	s.entries[key] = &entry{rec: rec, state: rec.columnValues(meta)}
}

// UpdatedValues computes the fields a save would write. For a transient
// record that is every set column value (the insert payload). For a
// persisted record it is the loose-equality diff against the snapshot:
// changed or newly set columns with their new value, and columns
// removed since the snapshot with an explicit nil. An empty result
// means there is nothing to persist.
func (s *Session) UpdatedValues(ctx context.Context, rec *Record) (map[string]any, error) {
	meta, err := s.Table(ctx, rec.typ.Table())
	if err != nil {
		return nil, err
	}
	pkv := rec.Get(meta.PrimaryKey)
	if emptyKey(pkv) {
		return rec.columnValues(meta), nil
	}

	state := s.State(rec.typ, pkv)
	diff := make(map[string]any)
	for _, col := range meta.Columns {
		cur, curOK := rec.attrs[col]
		st, stOK := state[col]
		switch {
		case curOK && (!stOK || !Equal(cur, st)):
			diff[col] = cur
		case !curOK && stOK:
			diff[col] = nil
		}
	}
	return diff, nil
}

// Save persists a record: INSERT when its primary-key attribute is
// empty (the generated key is read back and assigned), UPDATE of only
// the changed fields otherwise. A record with nothing to persist is a
// no-op. The identity map is only touched after the statement succeeds.
func (s *Session) Save(ctx context.Context, rec *Record) error {
	meta, err := s.Table(ctx, rec.typ.Table())
	if err != nil {
		return err
	}
	diff, err := s.UpdatedValues(ctx, rec)
	if err != nil {
		return err
	}
	if len(diff) == 0 {
		return nil
	}

	pkv := rec.Get(meta.PrimaryKey)
	if emptyKey(pkv) {
		return s.insert(ctx, meta, rec, diff, true)
	}
	return s.update(ctx, meta, rec, diff, pkv)
}

// Insert forces an INSERT regardless of the primary-key attribute, for
// tables whose keys the caller assigns (UUIDs and the like). The record
// is registered in the identity map afterwards.
func (s *Session) Insert(ctx context.Context, rec *Record) error {
	meta, err := s.Table(ctx, rec.typ.Table())
	if err != nil {
		return err
	}
	return s.insert(ctx, meta, rec, rec.columnValues(meta), emptyKey(rec.Get(meta.PrimaryKey)))
}

// SaveAll saves records in order, stopping at the first failure.
func (s *Session) SaveAll(ctx context.Context, recs []*Record) error {
	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) insert(ctx context.Context, meta *TableMeta, rec *Record, vals map[string]any, wantKey bool) error {
	t := now(ctx)
	for _, col := range []string{"created_at", "updated_at"} {
		if meta.HasColumn(col) && !rec.Has(col) {
			rec.Set(col, t)
			vals[col] = rec.Get(col)
		}
	}
	if v, ok := vals[meta.PrimaryKey]; ok && emptyKey(v) {
		delete(vals, meta.PrimaryKey)
	}

	var cols []string
	var args []any
	for _, col := range meta.Columns {
		if v, ok := vals[col]; ok {
			cols = append(cols, col)
			args = append(args, v)
		}
	}

	query := buildInsert(s.d, meta.Table, cols)
	if wantKey && s.d.UseReturning() {
		query = rewritePlaceholders(s.d, query) + s.d.ReturningClause(meta.PrimaryKey)
		rows, err := queryMaps(ctx, s.db, query, args)
		if err != nil {
			return err
		}
		if len(rows) == 0 || emptyKey(rows[0][meta.PrimaryKey]) {
			return ErrLastInsertID
		}
		rec.Set(meta.PrimaryKey, rows[0][meta.PrimaryKey])
	} else {
		query = rewritePlaceholders(s.d, query)
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return queryErr(query, args, err)
		}
		if wantKey {
			id, err := result.LastInsertId()
			if err != nil || id == 0 {
				return ErrLastInsertID
			}
			rec.Set(meta.PrimaryKey, id)
		}
	}

	s.resync(meta, rec, rec.Get(meta.PrimaryKey))
	return nil
}

func (s *Session) update(ctx context.Context, meta *TableMeta, rec *Record, diff map[string]any, pkv any) error {
	if meta.HasColumn("updated_at") {
		if _, ok := diff["updated_at"]; !ok {
			rec.Set("updated_at", now(ctx))
			diff["updated_at"] = rec.Get("updated_at")
		}
	}
	delete(diff, meta.PrimaryKey)
	if len(diff) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, col := range meta.Columns {
		if v, ok := diff[col]; ok {
			sets = append(sets, s.d.QuoteIdent(col)+" = ?")
			args = append(args, v)
		}
	}
	args = append(args, pkv)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		s.d.QuoteIdent(meta.Table),
		strings.Join(sets, ", "),
		s.d.QuoteIdent(meta.PrimaryKey),
	)
	query = rewritePlaceholders(s.d, query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return queryErr(query, args, err)
	}

	s.resync(meta, rec, pkv)
	return nil
}

// Delete removes a record's row. Deleting a transient record is a
// no-op. On success the identity-map entry is dropped and the record's
// primary-key attribute is cleared to nil.
func (s *Session) Delete(ctx context.Context, rec *Record) error {
	meta, err := s.Table(ctx, rec.typ.Table())
	if err != nil {
		return err
	}
	pkv := rec.Get(meta.PrimaryKey)
	if emptyKey(pkv) {
		return nil
	}

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE %s = ?",
		s.d.QuoteIdent(meta.Table),
		s.d.QuoteIdent(meta.PrimaryKey),
	)
	query = rewritePlaceholders(s.d, query)
	args := []any{pkv}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return queryErr(query, args, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	s.Forget(rec.typ, pkv)
	rec.Set(meta.PrimaryKey, nil)
	return nil
}

// Related returns the record's collection for a hasMany or hasOne
// relation, loading it with one query on first access and caching it on
// the record. The owner must be persisted.
func (s *Session) Related(ctx context.Context, rec *Record, name string) (*RelatedCollection, error) {
	rel, ok := rec.typ.Relation(name)
	if !ok {
		return nil, configErr("unknown relation %q on %s", name, rec.typ.name)
	}
	if rel.kind == KindBelongsTo {
		return nil, configErr("relation %q on %s is belongsTo; use RelatedOne", name, rec.typ.name)
	}
	if c := rec.Collection(name); c != nil {
		return c, nil
	}
	c, _, err := s.loadRelated(ctx, rec, rel)
	return c, err
}

// RelatedOne returns the single record attached by a to-one relation
// (hasOne or belongsTo), loading it on first access. Returns nil when
// no related row exists.
func (s *Session) RelatedOne(ctx context.Context, rec *Record, name string) (*Record, error) {
	rel, ok := rec.typ.Relation(name)
	if !ok {
		return nil, configErr("unknown relation %q on %s", name, rec.typ.name)
	}
	if !rel.toOne() {
		return nil, configErr("relation %q on %s is hasMany; use Related", name, rec.typ.name)
	}
	if one := rec.RelatedOne(name); one != nil {
		return one, nil
	}
	_, one, err := s.loadRelated(ctx, rec, rel)
	return one, err
}

func (s *Session) loadRelated(ctx context.Context, rec *Record, rel *Relation) (*RelatedCollection, *Record, error) {
	localKey, foreignKey, err := rel.keys(ctx, s, rec.typ)
	if err != nil {
		return nil, nil, err
	}
	lkv := rec.Get(localKey)
	if emptyKey(lkv) {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrNoPrimaryKey, rec.typ.name, localKey)
	}
	foreignMeta, err := s.Table(ctx, rel.foreign.Table())
	if err != nil {
		return nil, nil, err
	}

	q := s.Query(rel.foreign).Where(s.d.QuoteIdent(foreignKey)+" = ?", lkv)
	if rel.toOne() {
		q = q.Limit(1)
	}
	foreigns, err := q.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	if rel.kind == KindBelongsTo {
		var one *Record
		if len(foreigns) > 0 {
			one = foreigns[0]
		}
		rec.attachOne(rel.name, one)
		return nil, one, nil
	}

	c := rec.collectionFor(s, rel, foreignMeta.PrimaryKey)
	for _, f := range foreigns {
		c.Add(f)
	}
	var one *Record
	if rel.kind == KindHasOne {
		if c.Len() > 0 {
			one = c.At(0)
		}
		rec.attachOne(rel.name, one)
	}
	return c, one, nil
}

func buildInsert(d Dialect, table string, cols []string) string {
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
		placeholders[i] = "?"
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
}
