package cql

import (
	"github.com/gocql/gocql"
)

// ColumnInfo describes one result column or one bind marker
type ColumnInfo struct {
	Keyspace string
	Table    string
	Name     string
	TypeInfo gocql.TypeInfo
}

func (c ColumnInfo) Type() gocql.Type {
	if c.TypeInfo == nil {
		return gocql.TypeCustom
	}
	return c.TypeInfo.Type()
}

// Row is one result row; cells are in column order
type Row struct {
	columns []ColumnInfo
	Cells   []Cell
}

// NewRow binds cells to their column descriptions
func NewRow(columns []ColumnInfo, cells []Cell) Row {
	return Row{columns: columns, Cells: cells}
}

// Get returns the cell of the named column
func (r Row) Get(name string) (Cell, bool) {
	for i, col := range r.columns {
		if col.Name == name && i < len(r.Cells) {
			return r.Cells[i], true
		}
	}
	return Cell{}, false
}

// String returns the text value of the named column, or "" when absent or not text
func (r Row) String(name string) string {
	cell, ok := r.Get(name)
	if !ok {
		return ""
	}
	s, _ := cell.Text()
	return s
}

// Int64 returns the integer value of the named column
func (r Row) Int64(name string) (int64, bool) {
	cell, ok := r.Get(name)
	if !ok {
		return 0, false
	}
	return cell.Int64()
}

// ResultSet is the outcome of one execution. It is not retained by the driver.
type ResultSet struct {
	Columns     []ColumnInfo
	Rows        []Row
	PagingState []byte // non-nil when more pages are available
	Keyspace    string // set by USE statements
	Coordinator string // address of the node that served the request
}

func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rows)
}

// All returns the rows in server order
func (rs *ResultSet) All() []Row {
	if rs == nil {
		return nil
	}
	return rs.Rows
}

// HasMorePages reports whether the server holds further pages for the query
func (rs *ResultSet) HasMorePages() bool {
	return rs != nil && len(rs.PagingState) > 0
}
