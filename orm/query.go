package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mickamy/relmap/scope"
)

// Query represents a pending SELECT against one entity type. All
// builder methods return a new Query; the receiver is never modified.
// Terminal methods map every returned row through the session's
// identity map, so repeated queries for the same row yield the same
// *Record.
type Query struct {
	s   *Session
	typ *Type

	selects  []string
	wheres   []whereClause
	joins    []string
	groupBys []string
	havings  []whereClause
	orderBys []string
	limit    *int
	offset   *int

	withs     map[string]*withSpec
	withOrder []string
	hass      []hasSpec

	// err carries a declaration-time mistake (malformed with/has spec)
	// to the first terminal call.
	err error
}

type whereClause struct {
	clause string
	args   []any
}

func newQuery(s *Session, t *Type) *Query {
	return &Query{s: s, typ: t}
}

// clone returns a shallow copy with slices and the with tree copied to
// avoid aliasing.
func (q *Query) clone() *Query {
	q2 := *q
	q2.selects = append([]string(nil), q.selects...)
	q2.wheres = append([]whereClause(nil), q.wheres...)
	q2.joins = append([]string(nil), q.joins...)
	q2.groupBys = append([]string(nil), q.groupBys...)
	q2.havings = append([]whereClause(nil), q.havings...)
	q2.orderBys = append([]string(nil), q.orderBys...)
	q2.hass = append([]hasSpec(nil), q.hass...)
	q2.withOrder = append([]string(nil), q.withOrder...)
	if q.withs != nil {
		q2.withs = make(map[string]*withSpec, len(q.withs))
		for name, spec := range q.withs {
			q2.withs[name] = spec.clone()
		}
	}
	return &q2
}

// --- Builder methods ---

// Select overrides the column list. Columns are rendered verbatim.
func (q *Query) Select(columns ...string) *Query {
	q2 := q.clone()
	q2.selects = append(q2.selects, columns...)
	return q2
}

func (q *Query) Where(clause string, args ...any) *Query {
	q2 := q.clone()
	q2.wheres = append(q2.wheres, whereClause{clause, args})
	return q2
}

// WhereIn adds a column IN (...) condition. An empty value list matches
// nothing.
func (q *Query) WhereIn(column string, values ...any) *Query {
	q2 := q.clone()
	if len(values) == 0 {
		q2.wheres = append(q2.wheres, whereClause{"1 = 0", nil})
		return q2
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	q2.wheres = append(q2.wheres, whereClause{column + " IN (" + placeholders + ")", values})
	return q2
}

// WhereColumn adds a column-to-column comparison with no bound values.
func (q *Query) WhereColumn(left, operator, right string) *Query {
	q2 := q.clone()
	q2.wheres = append(q2.wheres, whereClause{left + " " + operator + " " + right, nil})
	return q2
}

// Join adds an INNER JOIN with a raw ON clause.
func (q *Query) Join(table, on string) *Query {
	return q.addJoin("INNER JOIN", table, on)
}

// LeftJoin adds a LEFT JOIN with a raw ON clause.
func (q *Query) LeftJoin(table, on string) *Query {
	return q.addJoin("LEFT JOIN", table, on)
}

func (q *Query) addJoin(kind, table, on string) *Query {
	q2 := q.clone()
	q2.joins = append(q2.joins, fmt.Sprintf("%s %s ON %s", kind, q.qi(table), on))
	return q2
}

func (q *Query) GroupBy(columns ...string) *Query {
	q2 := q.clone()
	q2.groupBys = append(q2.groupBys, columns...)
	return q2
}

func (q *Query) Having(clause string, args ...any) *Query {
	q2 := q.clone()
	q2.havings = append(q2.havings, whereClause{clause, args})
	return q2
}

func (q *Query) OrderBy(clause string) *Query {
	q2 := q.clone()
	q2.orderBys = append(q2.orderBys, clause)
	return q2
}

func (q *Query) Limit(n int) *Query {
	q2 := q.clone()
	q2.limit = &n
	return q2
}

func (q *Query) Offset(n int) *Query {
	q2 := q.clone()
	q2.offset = &n
	return q2
}

// Scopes applies the given scope.Scope values to the query.
func (q *Query) Scopes(scopes ...scope.Scope) *Query {
	q2 := q.clone()
	for _, s := range scopes {
		s.Apply(q2)
	}
	return q2
}

// --- scope.Applier implementation ---

func (q *Query) ApplyWhere(clause string, args []any) {
	q.wheres = append(q.wheres, whereClause{clause, args})
}

func (q *Query) ApplyOrderBy(clause string) {
	q.orderBys = append(q.orderBys, clause)
}

func (q *Query) ApplyLimit(n int)  { q.limit = &n }
func (q *Query) ApplyOffset(n int) { q.offset = &n }

func (q *Query) ApplySelect(columns string) {
	q.selects = append(q.selects, columns)
}

func (q *Query) ApplyGroupBy(clause string) {
	q.groupBys = append(q.groupBys, clause)
}

func (q *Query) ApplyWith(spec string) {
	q.addWith(spec, nil)
}

func (q *Query) ApplyHas(path string) {
	q.addHas(path, false, "", nil, false)
}

func (q *Query) ApplyNotHas(path string) {
	q.addHas(path, true, "", nil, false)
}

var _ scope.Applier = (*Query)(nil)

// --- Terminal methods ---

// Get executes the query and returns every matching record, resolved
// through the identity map and with declared eager loads stitched on.
// The identity map is only touched once every statement involved has
// succeeded.
func (q *Query) Get(ctx context.Context, columns ...string) ([]*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	q2 := q
	if len(columns) > 0 {
		q2 = q.Select(columns...)
	}

	meta, err := q2.s.Table(ctx, q2.typ.Table())
	if err != nil {
		return nil, err
	}

	plan, compiled, err := q2.prepare(ctx, meta)
	if err != nil {
		return nil, err
	}

	rows, err := queryMaps(ctx, q2.s.db, compiled.query, compiled.args)
	if err != nil {
		return nil, err
	}

	if err := plan.load(ctx, q2.s, rows); err != nil {
		return nil, err
	}

	return plan.materialize(ctx, q2.s, q2.typ, meta, rows)
}

// One executes the query with LIMIT 1 and returns the first record.
// Returns ErrNotFound if no row matches.
func (q *Query) One(ctx context.Context, columns ...string) (*Record, error) {
	recs, err := q.Limit(1).Get(ctx, columns...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Find loads one record by primary key. Returns ErrNotFound when no row
// matches.
func (q *Query) Find(ctx context.Context, pk any) (*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	meta, err := q.s.Table(ctx, q.typ.Table())
	if err != nil {
		return nil, err
	}
	return q.Where(q.qi(meta.PrimaryKey)+" = ?", pk).One(ctx)
}

// FindAll loads records by primary keys, in storage return order.
func (q *Query) FindAll(ctx context.Context, pks ...any) ([]*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	meta, err := q.s.Table(ctx, q.typ.Table())
	if err != nil {
		return nil, err
	}
	return q.WhereIn(q.qi(meta.PrimaryKey), pks...).Get(ctx)
}

// Count returns the number of rows matching the current conditions.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	meta, err := q.s.Table(ctx, q.typ.Table())
	if err != nil {
		return 0, err
	}
	compiled, err := q.compileCount(ctx, meta)
	if err != nil {
		return 0, err
	}
	rows, err := queryMaps(ctx, q.s.db, compiled.query, compiled.args)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, queryErr(compiled.query, compiled.args, fmt.Errorf("COUNT returned no rows"))
	}
	for _, v := range rows[0] {
		if n, ok := Normalize(v).(int64); ok {
			return n, nil
		}
	}
	return 0, nil
}

// Exists reports whether at least one row matches.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	count, err := q.Limit(1).Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- SQL building ---

type compiledQuery struct {
	query string
	args  []any
}

// prepare resolves eager-load and existence specs against the schema
// and assembles the final SELECT.
func (q *Query) prepare(ctx context.Context, meta *TableMeta) (*eagerPlan, *compiledQuery, error) {
	plan, err := q.planEager(ctx)
	if err != nil {
		return nil, nil, err
	}

	wheres, err := q.resolveHas(ctx)
	if err != nil {
		return nil, nil, err
	}

	joins := append(append([]string(nil), q.joins...), plan.joinClauses(q)...)
	selectList := q.selectList(meta, plan)
	compiled := q.assemble(selectList, wheres, joins)
	return plan, compiled, nil
}

// compileSelect assembles the query without eager loading. Batched
// relation fetches use it so customized sub-queries still honor their
// own conditions.
func (q *Query) compileSelect(ctx context.Context, meta *TableMeta) (*compiledQuery, error) {
	if q.err != nil {
		return nil, q.err
	}
	wheres, err := q.resolveHas(ctx)
	if err != nil {
		return nil, err
	}
	return q.assemble(q.selectList(meta, &eagerPlan{}), wheres, q.joins), nil
}

func (q *Query) compileCount(ctx context.Context, meta *TableMeta) (*compiledQuery, error) {
	wheres, err := q.resolveHas(ctx)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(q.qi(meta.Table))
	for _, j := range q.joins {
		b.WriteByte(' ')
		b.WriteString(j)
	}
	args := appendWhere(&b, wheres)
	if q.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.limit)
	}
	if q.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *q.offset)
	}
	return &compiledQuery{rewritePlaceholders(q.s.d, b.String()), args}, nil
}

// selectList renders the SELECT column list. Joined to-one relations
// qualify the owner's columns with the table name and add the foreign
// columns under prefixed aliases; the prefix is split back apart when
// rows are materialized.
func (q *Query) selectList(meta *TableMeta, plan *eagerPlan) []string {
	var list []string
	switch {
	case len(q.selects) > 0:
		list = append(list, q.selects...)
		// Batched relations stitch by the owner's local key; make sure a
		// restricted column list still carries it.
		for _, pr := range plan.batched {
			if !containsColumn(q.selects, pr.localKey) {
				list = append(list, q.qi(meta.Table)+"."+q.qi(pr.localKey))
			}
		}
	case len(plan.joined) > 0 || len(q.joins) > 0:
		for _, col := range meta.Columns {
			list = append(list, q.qi(meta.Table)+"."+q.qi(col))
		}
	default:
		for _, col := range meta.Columns {
			list = append(list, q.qi(col))
		}
	}
	for _, pr := range plan.joined {
		cols := pr.spec.columns
		if len(cols) == 0 {
			cols = pr.foreignMeta.Columns
		} else {
			cols = ensureColumns(cols, pr.foreignMeta.PrimaryKey)
		}
		for _, col := range cols {
			alias := pr.rel.name + relationSeparator + col
			list = append(list, q.qi(pr.rel.name)+"."+q.qi(col)+" AS "+q.qi(alias))
		}
	}
	return list
}

func (q *Query) assemble(selectList []string, wheres []whereClause, joins []string) *compiledQuery {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectList, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.qi(q.typ.Table()))

	for _, j := range joins {
		b.WriteByte(' ')
		b.WriteString(j)
	}

	args := appendWhere(&b, wheres)

	if len(q.groupBys) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.groupBys, ", "))
	}
	if len(q.havings) > 0 {
		b.WriteString(" HAVING ")
		for i, h := range q.havings {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(h.clause)
			args = append(args, h.args...)
		}
	}
	if len(q.orderBys) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orderBys, ", "))
	}
	if q.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.limit)
	}
	if q.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *q.offset)
	}

	return &compiledQuery{rewritePlaceholders(q.s.d, b.String()), args}
}

func appendWhere(b *strings.Builder, wheres []whereClause) []any {
	if len(wheres) == 0 {
		return nil
	}
	var args []any
	b.WriteString(" WHERE ")
	for i, w := range wheres {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(w.clause)
		args = append(args, w.args...)
	}
	return args
}

// qi quotes an identifier using the session's dialect.
func (q *Query) qi(name string) string {
	return q.s.d.QuoteIdent(name)
}

func containsColumn(list []string, col string) bool {
	for _, c := range list {
		if c == col || strings.HasSuffix(c, "."+col) ||
			strings.HasSuffix(c, "\""+col+"\"") || strings.HasSuffix(c, "`"+col+"`") {
			return true
		}
	}
	return false
}

func ensureColumns(cols []string, required ...string) []string {
	out := append([]string(nil), cols...)
	for _, req := range required {
		found := false
		for _, c := range out {
			if c == req {
				found = true
				break
			}
		}
		if !found {
			out = append(out, req)
		}
	}
	return out
}
