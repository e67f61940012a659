package orm

import (
	"context"
	"strings"
)

// hasSpec is one declared relation-existence condition.
type hasSpec struct {
	path     []string
	not      bool
	operator string
	value    any
	counted  bool
}

// Has filters to rows with at least one related row along the path.
// Dotted paths nest: Has("posts.comments") keeps owners having a post
// that itself has a comment. The condition compiles into correlated
// EXISTS sub-queries on the same statement.
func (q *Query) Has(path string) *Query {
	q2 := q.clone()
	q2.addHas(path, false, "", nil, false)
	return q2
}

// NotHas filters to rows with no related row along the path.
func (q *Query) NotHas(path string) *Query {
	q2 := q.clone()
	q2.addHas(path, true, "", nil, false)
	return q2
}

// HasCount filters by the number of related rows at the innermost
// relation of the path: HasCount("posts", ">=", 3). Outer path levels
// still compile to EXISTS; only the last level is counted.
func (q *Query) HasCount(path, operator string, value any) *Query {
	q2 := q.clone()
	q2.addHas(path, false, operator, value, true)
	return q2
}

var countOperators = map[string]struct{}{
	"=": {}, "!=": {}, "<>": {}, "<": {}, ">": {}, "<=": {}, ">=": {},
}

func (q *Query) addHas(path string, not bool, operator string, value any, counted bool) {
	if q.err != nil {
		return
	}
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			q.err = configErr("malformed relation path %q", path)
			return
		}
	}
	if counted {
		if _, ok := countOperators[operator]; !ok {
			q.err = configErr("invalid count operator %q", operator)
			return
		}
	}
	q.hass = append(q.hass, hasSpec{
		path:     segs,
		not:      not,
		operator: operator,
		value:    value,
		counted:  counted,
	})
}

// resolveHas returns the query's WHERE clauses with every declared
// existence condition compiled in. Relation lookups happen here so an
// unknown relation surfaces as a ConfigError from the terminal call.
func (q *Query) resolveHas(ctx context.Context) ([]whereClause, error) {
	wheres := append([]whereClause(nil), q.wheres...)
	for _, h := range q.hass {
		clause, args, err := q.hasClause(ctx, q.typ, q.typ.Table(), h.path, h)
		if err != nil {
			return nil, err
		}
		if h.not {
			clause = "NOT " + clause
		}
		wheres = append(wheres, whereClause{clause, args})
	}
	return wheres, nil
}

func (q *Query) hasClause(ctx context.Context, local *Type, localTable string, segs []string, h hasSpec) (string, []any, error) {
	rel, ok := local.Relation(segs[0])
	if !ok {
		return "", nil, configErr("unknown relation %q on type %s", segs[0], local.Name())
	}
	localKey, foreignKey, err := rel.keys(ctx, q.s, local)
	if err != nil {
		return "", nil, err
	}

	ftable := rel.foreign.Table()
	link := q.qi(ftable) + "." + q.qi(foreignKey) + " = " + q.qi(localTable) + "." + q.qi(localKey)

	if len(segs) == 1 {
		if h.counted {
			return "(SELECT COUNT(*) FROM " + q.qi(ftable) + " WHERE " + link + ") " +
				h.operator + " ?", []any{h.value}, nil
		}
		return "EXISTS (SELECT 1 FROM " + q.qi(ftable) + " WHERE " + link + ")", nil, nil
	}

	inner, args, err := q.hasClause(ctx, rel.foreign, ftable, segs[1:], h)
	if err != nil {
		return "", nil, err
	}
	return "EXISTS (SELECT 1 FROM " + q.qi(ftable) + " WHERE " + link + " AND " + inner + ")",
		args, nil
}
