package orm

import (
	"context"
	"strings"
)

// relationSeparator joins a relation name and a foreign column into the
// alias used for joined eager loads. The alias is split back apart when
// rows are materialized.
const relationSeparator = "_-_"

// withSpec is one node of the declared eager-load tree. Dotted paths in
// With("author.company") become nested specs.
type withSpec struct {
	name      string
	columns   []string
	customize func(*Query) *Query
	children  map[string]*withSpec
	order     []string
}

func (w *withSpec) clone() *withSpec {
	cp := &withSpec{
		name:      w.name,
		columns:   append([]string(nil), w.columns...),
		customize: w.customize,
		order:     append([]string(nil), w.order...),
	}
	if w.children != nil {
		cp.children = make(map[string]*withSpec, len(w.children))
		for name, child := range w.children {
			cp.children[name] = child.clone()
		}
	}
	return cp
}

func (w *withSpec) child(name string) *withSpec {
	if w.children == nil {
		w.children = make(map[string]*withSpec)
	}
	c, ok := w.children[name]
	if !ok {
		c = &withSpec{name: name}
		w.children[name] = c
		w.order = append(w.order, name)
	}
	return c
}

// With declares relations to eager-load alongside the query's own rows.
// A spec is a relation name, a dotted path for nested relations, or
// either form followed by ":" and a comma-separated column list for the
// innermost relation:
//
//	q.With("posts", "company")
//	q.With("posts.comments")
//	q.With("posts:id,title,user_id")
//
// To-one relations at the top level load through a LEFT JOIN on the
// same statement; everything else loads in one batched query per
// relation, keyed on the collected owner keys. Duplicate specs merge.
func (q *Query) With(specs ...string) *Query {
	q2 := q.clone()
	for _, spec := range specs {
		q2.addWith(spec, nil)
	}
	return q2
}

// WithColumns declares an eager load restricted to the given foreign
// columns. Key columns needed for stitching are fetched regardless.
func (q *Query) WithColumns(path string, columns ...string) *Query {
	q2 := q.clone()
	q2.addWith(path+":"+strings.Join(columns, ","), nil)
	return q2
}

// WithQuery declares an eager load whose batch query is refined by the
// given function (extra conditions, ordering, column restriction). The
// customization applies to the innermost relation of the path; it
// forces that relation onto the batched strategy.
func (q *Query) WithQuery(path string, customize func(*Query) *Query) *Query {
	q2 := q.clone()
	q2.addWith(path, customize)
	return q2
}

func (q *Query) addWith(spec string, customize func(*Query) *Query) {
	if q.err != nil {
		return
	}
	path := spec
	var columns []string
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		path = spec[:i]
		for _, c := range strings.Split(spec[i+1:], ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}

	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			q.err = configErr("malformed eager-load spec %q", spec)
			return
		}
	}

	if q.withs == nil {
		q.withs = make(map[string]*withSpec)
	}
	node, ok := q.withs[segs[0]]
	if !ok {
		node = &withSpec{name: segs[0]}
		q.withs[segs[0]] = node
		q.withOrder = append(q.withOrder, segs[0])
	}
	for _, seg := range segs[1:] {
		node = node.child(seg)
	}
	node.columns = mergeColumns(node.columns, columns)
	if customize != nil {
		node.customize = customize
	}
}

func mergeColumns(existing, added []string) []string {
	for _, c := range added {
		found := false
		for _, e := range existing {
			if e == c {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, c)
		}
	}
	return existing
}

// eagerPlan is the resolved eager-load tree for one Get: specs bound to
// relations and schema metadata, split by loading strategy.
type eagerPlan struct {
	joined  []*plannedRelation
	batched []*plannedRelation
}

type plannedRelation struct {
	spec        *withSpec
	rel         *Relation
	localKey    string
	foreignKey  string
	foreignMeta *TableMeta
	children    []*plannedRelation

	// rows and index are filled by load: the fetched (or extracted)
	// foreign rows, indexed by their foreign-key value for stitching.
	rows  []map[string]any
	index map[string][]map[string]any
}

// planEager binds the declared with tree to relations, resolving key
// columns and foreign schemas up front so an unknown relation or
// missing table fails before any data query runs.
func (q *Query) planEager(ctx context.Context) (*eagerPlan, error) {
	plan := &eagerPlan{}
	for _, name := range q.withOrder {
		spec := q.withs[name]
		pr, err := q.planRelation(ctx, q.typ, spec)
		if err != nil {
			return nil, err
		}
		if pr.rel.toOne() && spec.customize == nil {
			plan.joined = append(plan.joined, pr)
		} else {
			plan.batched = append(plan.batched, pr)
		}
	}
	return plan, nil
}

func (q *Query) planRelation(ctx context.Context, local *Type, spec *withSpec) (*plannedRelation, error) {
	rel, ok := local.Relation(spec.name)
	if !ok {
		return nil, configErr("unknown relation %q on type %s", spec.name, local.Name())
	}
	localKey, foreignKey, err := rel.keys(ctx, q.s, local)
	if err != nil {
		return nil, err
	}
	foreignMeta, err := q.s.Table(ctx, rel.foreign.Table())
	if err != nil {
		return nil, err
	}
	pr := &plannedRelation{
		spec:        spec,
		rel:         rel,
		localKey:    localKey,
		foreignKey:  foreignKey,
		foreignMeta: foreignMeta,
	}
	for _, name := range spec.order {
		child, err := q.planRelation(ctx, rel.foreign, spec.children[name])
		if err != nil {
			return nil, err
		}
		pr.children = append(pr.children, child)
	}
	return pr, nil
}

func (p *eagerPlan) joinClauses(q *Query) []string {
	var clauses []string
	ownerTable := q.qi(q.typ.Table())
	for _, pr := range p.joined {
		clauses = append(clauses,
			"LEFT JOIN "+q.qi(pr.rel.foreign.Table())+" AS "+q.qi(pr.rel.name)+
				" ON "+q.qi(pr.rel.name)+"."+q.qi(pr.foreignKey)+
				" = "+ownerTable+"."+q.qi(pr.localKey))
	}
	return clauses
}

// load fetches every relation level of the plan. All rows land in plain
// maps first; nothing touches the identity map until materialize, so a
// failed batch leaves the session untouched.
func (p *eagerPlan) load(ctx context.Context, s *Session, ownerRows []map[string]any) error {
	for _, pr := range p.joined {
		pr.rows = extractJoined(pr, ownerRows)
		if err := loadChildren(ctx, s, pr); err != nil {
			return err
		}
	}
	for _, pr := range p.batched {
		if err := loadBatched(ctx, s, pr, ownerRows); err != nil {
			return err
		}
	}
	return nil
}

func loadChildren(ctx context.Context, s *Session, pr *plannedRelation) error {
	for _, child := range pr.children {
		if err := loadBatched(ctx, s, child, pr.rows); err != nil {
			return err
		}
	}
	return nil
}

// loadBatched runs one IN query for the relation over the distinct
// owner key values, then recurses into nested relations with the
// fetched rows as the new owner batch.
func loadBatched(ctx context.Context, s *Session, pr *plannedRelation, ownerRows []map[string]any) error {
	pr.index = make(map[string][]map[string]any)

	seen := make(map[string]struct{})
	var vals []any
	for _, row := range ownerRows {
		v := row[pr.localKey]
		if emptyKey(v) {
			continue
		}
		key := keyString(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return loadChildren(ctx, s, pr)
	}

	sub := newQuery(s, pr.rel.foreign)
	if pr.spec.customize != nil {
		sub = pr.spec.customize(sub)
	}
	if len(pr.spec.columns) > 0 && len(sub.selects) == 0 {
		cols := ensureColumns(pr.spec.columns, pr.foreignKey, pr.foreignMeta.PrimaryKey)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = sub.qi(c)
		}
		sub = sub.Select(quoted...)
	}
	sub = sub.WhereIn(sub.qi(pr.foreignKey), vals...)

	compiled, err := sub.compileSelect(ctx, pr.foreignMeta)
	if err != nil {
		return err
	}
	rows, err := queryMaps(ctx, s.db, compiled.query, compiled.args)
	if err != nil {
		return err
	}

	pr.rows = rows
	for _, row := range rows {
		key := keyString(row[pr.foreignKey])
		pr.index[key] = append(pr.index[key], row)
	}
	return loadChildren(ctx, s, pr)
}

// extractJoined pulls the prefixed foreign columns out of joined owner
// rows, deduplicated by foreign primary key. The result feeds nested
// batches the same way a fetched batch would.
func extractJoined(pr *plannedRelation, ownerRows []map[string]any) []map[string]any {
	prefix := pr.rel.name + relationSeparator
	seen := make(map[string]struct{})
	var out []map[string]any
	for _, row := range ownerRows {
		frow := make(map[string]any)
		for k, v := range row {
			if strings.HasPrefix(k, prefix) {
				frow[k[len(prefix):]] = v
			}
		}
		pkv := frow[pr.foreignMeta.PrimaryKey]
		if emptyKey(pkv) {
			continue
		}
		key := keyString(pkv)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, frow)
	}
	return out
}

// materialize turns the fetched owner rows into tracked records and
// stitches every loaded relation onto them, preserving row order.
func (p *eagerPlan) materialize(ctx context.Context, s *Session, typ *Type, meta *TableMeta, ownerRows []map[string]any) ([]*Record, error) {
	recs := make([]*Record, 0, len(ownerRows))
	for _, row := range ownerRows {
		own, sub := splitRow(row, p.joined)
		rec, err := attachIfKeyed(ctx, s, typ.New(own), meta.PrimaryKey)
		if err != nil {
			return nil, err
		}

		for _, pr := range p.joined {
			frow := sub[pr.rel.name]
			if frow == nil || emptyKey(frow[pr.foreignMeta.PrimaryKey]) {
				rec.attachOne(pr.rel.name, nil)
				continue
			}
			frec, err := materializeForeign(ctx, s, pr, frow)
			if err != nil {
				return nil, err
			}
			rec.attachOne(pr.rel.name, frec)
		}
		for _, pr := range p.batched {
			if err := stitch(ctx, s, rec, row, pr); err != nil {
				return nil, err
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// stitch attaches the owner's share of one batched relation, recursing
// into nested levels.
func stitch(ctx context.Context, s *Session, owner *Record, ownerRow map[string]any, pr *plannedRelation) error {
	lkv := ownerRow[pr.localKey]

	if pr.rel.toOne() {
		if emptyKey(lkv) {
			owner.attachOne(pr.rel.name, nil)
			return nil
		}
		matches := pr.index[keyString(lkv)]
		if len(matches) == 0 {
			owner.attachOne(pr.rel.name, nil)
			return nil
		}
		frec, err := materializeForeign(ctx, s, pr, matches[0])
		if err != nil {
			return err
		}
		owner.attachOne(pr.rel.name, frec)
		return nil
	}

	// A to-many relation always gets a collection, even an empty one,
	// so callers can tell "loaded, no rows" from "never loaded".
	col := owner.collectionFor(s, pr.rel, pr.foreignMeta.PrimaryKey)
	if emptyKey(lkv) {
		return nil
	}
	for _, frow := range pr.index[keyString(lkv)] {
		frec, err := materializeForeign(ctx, s, pr, frow)
		if err != nil {
			return err
		}
		col.Add(frec)
	}
	return nil
}

func materializeForeign(ctx context.Context, s *Session, pr *plannedRelation, frow map[string]any) (*Record, error) {
	frec, err := attachIfKeyed(ctx, s, pr.rel.foreign.New(frow), pr.foreignMeta.PrimaryKey)
	if err != nil {
		return nil, err
	}
	for _, child := range pr.children {
		if err := stitch(ctx, s, frec, frow, child); err != nil {
			return nil, err
		}
	}
	return frec, nil
}

// attachIfKeyed resolves the record through the identity map when it
// carries a primary key. A record fetched without its key column (a
// restricted column list) stays untracked.
func attachIfKeyed(ctx context.Context, s *Session, rec *Record, primaryKey string) (*Record, error) {
	if emptyKey(rec.Get(primaryKey)) {
		return rec, nil
	}
	return s.Attach(ctx, rec)
}

// splitRow separates the owner's own columns from the prefixed columns
// of joined relations.
func splitRow(row map[string]any, joined []*plannedRelation) (map[string]any, map[string]map[string]any) {
	if len(joined) == 0 {
		return row, nil
	}
	names := make(map[string]struct{}, len(joined))
	for _, pr := range joined {
		names[pr.rel.name] = struct{}{}
	}

	own := make(map[string]any)
	sub := make(map[string]map[string]any)
	for k, v := range row {
		i := strings.Index(k, relationSeparator)
		if i < 0 {
			own[k] = v
			continue
		}
		name, col := k[:i], k[i+len(relationSeparator):]
		if _, ok := names[name]; !ok {
			own[k] = v
			continue
		}
		m := sub[name]
		if m == nil {
			m = make(map[string]any)
			sub[name] = m
		}
		m[col] = v
	}
	return own, sub
}
