package orm

import (
	"context"

	"github.com/mickamy/relmap/internal/naming"
)

// RelationKind is the arity/direction of a relation.
type RelationKind int

const (
	// KindHasOne links one local record to at most one foreign record
	// holding the local key in its foreign-key column.
	KindHasOne RelationKind = iota
	// KindHasMany links one local record to any number of foreign
	// records holding the local key in their foreign-key column.
	KindHasMany
	// KindBelongsTo links a local record to the foreign record whose
	// primary key the local foreign-key column holds.
	KindBelongsTo
)

func (k RelationKind) String() string {
	switch k {
	case KindHasOne:
		return "hasOne"
	case KindHasMany:
		return "hasMany"
	case KindBelongsTo:
		return "belongsTo"
	default:
		return "unknown"
	}
}

// Relation is an immutable descriptor linking a local entity type to a
// foreign one. Key columns left empty are derived from schema metadata
// on first use:
//
//   - hasOne/hasMany: local key defaults to the local primary key, the
//     foreign key to the singularized local table plus "_id".
//   - belongsTo: foreign key defaults to the foreign primary key, the
//     local key to the singularized foreign table plus "_id".
type Relation struct {
	kind       RelationKind
	name       string
	foreign    *Type
	localKey   string
	foreignKey string
}

// RelationOption configures a Relation at construction.
type RelationOption func(*Relation)

// ForeignKey overrides the derived foreign-key column.
func ForeignKey(column string) RelationOption {
	return func(r *Relation) { r.foreignKey = column }
}

// LocalKey overrides the derived local-key column.
func LocalKey(column string) RelationOption {
	return func(r *Relation) { r.localKey = column }
}

// HasMany declares a to-many relation under the given name. The name is
// what With, Has, and Related address; naming the relation explicitly
// keeps two relations to the same foreign type distinct.
func HasMany(name string, foreign *Type, opts ...RelationOption) *Relation {
	return newRelation(KindHasMany, name, foreign, opts)
}

// HasOne declares a to-one relation keyed on the foreign table.
func HasOne(name string, foreign *Type, opts ...RelationOption) *Relation {
	return newRelation(KindHasOne, name, foreign, opts)
}

// BelongsTo declares the inverse to-one relation: the local table holds
// the key of the foreign row.
func BelongsTo(name string, foreign *Type, opts ...RelationOption) *Relation {
	return newRelation(KindBelongsTo, name, foreign, opts)
}

func newRelation(kind RelationKind, name string, foreign *Type, opts []RelationOption) *Relation {
	r := &Relation{kind: kind, name: name, foreign: foreign}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns the relation kind.
func (r *Relation) Kind() RelationKind { return r.kind }

// Name returns the relation name.
func (r *Relation) Name() string { return r.name }

// Foreign returns the foreign entity type.
func (r *Relation) Foreign() *Type { return r.foreign }

// toOne reports whether at most one foreign record attaches per owner.
func (r *Relation) toOne() bool { return r.kind != KindHasMany }

// keys resolves the local and foreign key columns for this relation as
// declared on the given local type, consulting the session's schema
// cache for primary keys when defaults apply.
func (r *Relation) keys(ctx context.Context, s *Session, local *Type) (localKey, foreignKey string, err error) {
	localKey, foreignKey = r.localKey, r.foreignKey
	switch r.kind {
	case KindBelongsTo:
		if foreignKey == "" {
			meta, err := s.Table(ctx, r.foreign.Table())
			if err != nil {
				return "", "", err
			}
			foreignKey = meta.PrimaryKey
		}
		if localKey == "" {
			localKey = naming.ForeignKey(r.foreign.Table(), foreignKey)
		}
	default:
		if localKey == "" {
			meta, err := s.Table(ctx, local.Table())
			if err != nil {
				return "", "", err
			}
			localKey = meta.PrimaryKey
		}
		if foreignKey == "" {
			foreignKey = naming.ForeignKey(local.Table(), localKey)
		}
	}
	return localKey, foreignKey, nil
}
