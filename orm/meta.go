package orm

import "github.com/mickamy/relmap/internal/naming"

// Type describes one mapped entity type: its name, the table it maps
// to, and its declared relations. Types are built once at startup and
// shared across sessions; they carry no connection state.
type Type struct {
	name      string
	table     string
	relations map[string]*Relation
}

// TypeOption configures a Type at construction.
type TypeOption func(*Type)

// WithTable overrides the table name derived from the type name.
func WithTable(table string) TypeOption {
	return func(t *Type) { t.table = table }
}

// NewType creates an entity type descriptor. The table name defaults to
// the snake-cased, pluralized type name with any "Mapper" suffix
// stripped ("User" → "users", "OrderItemMapper" → "order_items").
func NewType(name string, opts ...TypeOption) *Type {
	t := &Type{
		name:      name,
		relations: make(map[string]*Relation),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.table == "" {
		t.table = naming.TableName(name)
	}
	return t
}

// Name returns the entity type name.
func (t *Type) Name() string { return t.name }

// Table returns the mapped table name.
func (t *Type) Table() string { return t.table }

// Relate registers relations on the type. Registration happens after
// construction so mutually related types can reference each other; a
// relation with a name already registered replaces the previous one.
func (t *Type) Relate(rels ...*Relation) *Type {
	for _, r := range rels {
		t.relations[r.name] = r
	}
	return t
}

// Relation returns the named relation, if declared.
func (t *Type) Relation(name string) (*Relation, bool) {
	r, ok := t.relations[name]
	return r, ok
}

// New creates a record of this type filled with the given attributes.
// A record without a primary-key value is transient; saving it issues
// an INSERT and assigns the generated key.
func (t *Type) New(attrs map[string]any) *Record {
	r := newRecord(t)
	r.Fill(attrs)
	return r
}
