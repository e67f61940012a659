package orm

import "context"

// TableMeta is the cached catalog metadata for one table.
type TableMeta struct {
	Table      string
	PrimaryKey string
	Columns    []string

	colset map[string]struct{}
}

// HasColumn reports whether the table declares the column.
func (m *TableMeta) HasColumn(name string) bool {
	_, ok := m.colset[name]
	return ok
}

// Table returns the cached metadata for a table, fetching it from the
// engine's catalog on first use. A table without a primary key is a
// fatal configuration error.
func (s *Session) Table(ctx context.Context, table string) (*TableMeta, error) {
	s.mu.Lock()
	meta, ok := s.schema[table]
	s.mu.Unlock()
	if ok {
		return meta, nil
	}
	return s.ReloadTable(ctx, table)
}

// ReloadTable refetches a table's metadata from the catalog, replacing
// any cached copy.
func (s *Session) ReloadTable(ctx context.Context, table string) (*TableMeta, error) {
	query, args := s.d.ColumnsQuery(table)
	rows, err := queryMaps(ctx, s.db, query, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, configErr("table %q has no columns", table)
	}

	meta := &TableMeta{Table: table, colset: make(map[string]struct{}, len(rows))}
	for _, row := range rows {
		name, primary := s.d.ColumnInfo(row)
		if name == "" {
			continue
		}
		meta.Columns = append(meta.Columns, name)
		meta.colset[name] = struct{}{}
		if primary && meta.PrimaryKey == "" {
			meta.PrimaryKey = name
		}
	}
	if meta.PrimaryKey == "" {
		return nil, configErr("no primary key in table %q", table)
	}

	s.mu.Lock()
	s.schema[table] = meta
	s.mu.Unlock()
	return meta, nil
}
