package orm

// Record is one tracked row: an attribute bag bound to an entity type.
// Attributes are open: relation results and computed fields may live
// alongside table columns, but only attributes matching the table's
// schema ever reach an INSERT or UPDATE.
type Record struct {
	typ        *Type
	attrs      map[string]any
	related    map[string]*RelatedCollection
	relatedOne map[string]*Record
}

func newRecord(t *Type) *Record {
	return &Record{
		typ:   t,
		attrs: make(map[string]any),
	}
}

// Type returns the record's entity type.
func (r *Record) Type() *Type { return r.typ }

// Set assigns an attribute. Values are normalized so later diffing
// compares canonical representations.
func (r *Record) Set(name string, v any) *Record {
	r.attrs[name] = Normalize(v)
	return r
}

// Fill assigns every attribute in the map.
func (r *Record) Fill(attrs map[string]any) *Record {
	for name, v := range attrs {
		r.Set(name, v)
	}
	return r
}

// Get returns an attribute value, or nil when absent.
func (r *Record) Get(name string) any { return r.attrs[name] }

// Has reports whether the attribute is set (a stored nil counts as set).
func (r *Record) Has(name string) bool {
	_, ok := r.attrs[name]
	return ok
}

// Unset removes an attribute. Removing a column attribute from a
// persisted record marks it for an explicit NULL on the next save.
func (r *Record) Unset(name string) {
	delete(r.attrs, name)
}

// Attrs returns a copy of all attributes.
func (r *Record) Attrs() map[string]any {
	cp := make(map[string]any, len(r.attrs))
	for k, v := range r.attrs {
		cp[k] = v
	}
	return cp
}

// columnValues extracts the attributes that are table columns, in no
// particular order; persistence never sees anything else.
func (r *Record) columnValues(meta *TableMeta) map[string]any {
	vals := make(map[string]any)
	for _, col := range meta.Columns {
		if v, ok := r.attrs[col]; ok {
			vals[col] = v
		}
	}
	return vals
}

// Collection returns the named to-many relation collection if it has
// been loaded or stitched onto this record, else nil. Use
// Session.Related to load on demand.
func (r *Record) Collection(name string) *RelatedCollection {
	return r.related[name]
}

// RelatedOne returns the to-one related record attached under the given
// relation name, else nil. Use Session.RelatedOne to load on demand.
func (r *Record) RelatedOne(name string) *Record {
	return r.relatedOne[name]
}

func (r *Record) attachOne(name string, rec *Record) {
	if r.relatedOne == nil {
		r.relatedOne = make(map[string]*Record)
	}
	r.relatedOne[name] = rec
}

func (r *Record) collectionFor(s *Session, rel *Relation, foreignPK string) *RelatedCollection {
	if r.related == nil {
		r.related = make(map[string]*RelatedCollection)
	}
	c, ok := r.related[rel.name]
	if !ok {
		c = newRelatedCollection(s, r, rel, foreignPK)
		r.related[rel.name] = c
	}
	return c
}
