package orm

import "context"

// RelatedCollection is the ordered set of foreign records attached to
// one owner for one relation, deduplicated by the foreign primary key.
// A hasOne relation uses the same shape capped at a single member.
type RelatedCollection struct {
	s         *Session
	owner     *Record
	rel       *Relation
	foreignPK string

	items []*Record
	seen  map[string]struct{}
}

func newRelatedCollection(s *Session, owner *Record, rel *Relation, foreignPK string) *RelatedCollection {
	return &RelatedCollection{
		s:         s,
		owner:     owner,
		rel:       rel,
		foreignPK: foreignPK,
		seen:      make(map[string]struct{}),
	}
}

// Relation returns the relation this collection belongs to.
func (c *RelatedCollection) Relation() *Relation { return c.rel }

// Add appends a record unless one with the same primary key is already
// present. Records without a primary-key value are not added.
func (c *RelatedCollection) Add(rec *Record) *RelatedCollection {
	pkv := rec.Get(c.foreignPK)
	if emptyKey(pkv) {
		return c
	}
	key := keyString(pkv)
	if _, ok := c.seen[key]; ok {
		return c
	}
	c.seen[key] = struct{}{}
	c.items = append(c.items, rec)
	return c
}

// Contains reports whether a record with the given primary key is in
// the collection.
func (c *RelatedCollection) Contains(pk any) bool {
	_, ok := c.seen[keyString(pk)]
	return ok
}

// Len returns the number of records in the collection.
func (c *RelatedCollection) Len() int { return len(c.items) }

// At returns the i-th record in insertion order.
func (c *RelatedCollection) At(i int) *Record { return c.items[i] }

// All returns the records in insertion order.
func (c *RelatedCollection) All() []*Record {
	out := make([]*Record, len(c.items))
	copy(out, c.items)
	return out
}

// Reload discards the collection's members and re-queries the foreign
// table for the owner's current key value.
func (c *RelatedCollection) Reload(ctx context.Context) error {
	localKey, foreignKey, err := c.rel.keys(ctx, c.s, c.owner.typ)
	if err != nil {
		return err
	}
	lkv := c.owner.Get(localKey)
	foreigns, err := c.s.Query(c.rel.foreign).
		Where(c.s.d.QuoteIdent(foreignKey)+" = ?", lkv).
		Get(ctx)
	if err != nil {
		return err
	}
	c.items = nil
	c.seen = make(map[string]struct{})
	for _, f := range foreigns {
		c.Add(f)
	}
	return nil
}

// SaveAll saves every record in the collection in order, stopping at
// the first failure.
func (c *RelatedCollection) SaveAll(ctx context.Context) error {
	for _, rec := range c.items {
		if err := c.s.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
