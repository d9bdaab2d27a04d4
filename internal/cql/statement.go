package cql

import (
	"fmt"
	"strings"

	"github.com/gocql/gocql"
)

// QueryParams are the per-execution options shared by every statement kind
type QueryParams struct {
	PageSize    int
	PagingState []byte
	// Idempotent statements may be retried after a write timeout or a
	// request that saw no response. SELECT statements start out idempotent.
	Idempotent bool

	consistency *gocql.Consistency
}

// SetConsistency overrides the session default consistency for this statement
func (p *QueryParams) SetConsistency(c gocql.Consistency) {
	p.consistency = &c
}

// ConsistencyOr returns the statement consistency, or def when none was set
func (p *QueryParams) ConsistencyOr(def gocql.Consistency) gocql.Consistency {
	if p.consistency == nil {
		return def
	}
	return *p.consistency
}

// Executable is implemented by Statement and BoundStatement
type Executable interface {
	Params() *QueryParams
	CQL() string
}

// Statement is a raw CQL string with optional positional values
type Statement struct {
	QueryParams
	Query  string
	Values []interface{}
}

// NewStatement creates a raw statement
func NewStatement(query string, values ...interface{}) *Statement {
	return &Statement{
		QueryParams: QueryParams{Idempotent: IsRead(query)},
		Query:       query,
		Values:      values,
	}
}

// IsRead reports whether query is a SELECT
func IsRead(query string) bool {
	fields := strings.Fields(query)
	return len(fields) > 0 && strings.EqualFold(fields[0], "SELECT")
}

func (s *Statement) Params() *QueryParams { return &s.QueryParams }
func (s *Statement) CQL() string          { return s.Query }

// EncodeValues encodes the positional values, inferring each column type from the Go type
func (s *Statement) EncodeValues() ([][]byte, error) {
	if len(s.Values) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(s.Values))
	for i, v := range s.Values {
		if v == nil {
			continue
		}
		info, err := InferType(v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		if out[i], err = MarshalValue(info, v); err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
	}
	return out, nil
}

// PreparedStatement is a server-side prepared query. It is owned by the
// statement cache and shared read-only across executions.
type PreparedStatement struct {
	Query    string
	ID       []byte
	Keyspace string
	// Params describe the bind markers in order
	Params []ColumnInfo
	// PartitionKey holds indices into Params that form the partition key
	PartitionKey  []int
	ResultColumns []ColumnInfo
}

// Bind encodes values for execution. The number of values must match the bind markers.
func (p *PreparedStatement) Bind(values ...interface{}) (*BoundStatement, error) {
	if len(values) != len(p.Params) {
		return nil, &QueryError{
			Code:    CodeInvalid,
			Message: fmt.Sprintf("statement has %d bind markers, got %d values", len(p.Params), len(values)),
		}
	}

	encoded := make([][]byte, len(values))
	for i, v := range values {
		data, err := MarshalValue(p.Params[i].TypeInfo, v)
		if err != nil {
			return nil, &QueryError{
				Code:    CodeInvalid,
				Message: fmt.Sprintf("bind marker %d (%s): %v", i, p.Params[i].Name, err),
			}
		}
		encoded[i] = data
	}
	return &BoundStatement{
		QueryParams: QueryParams{Idempotent: IsRead(p.Query)},
		Prepared:    p,
		Values:      encoded,
	}, nil
}

// BoundStatement is a prepared statement with encoded values
type BoundStatement struct {
	QueryParams
	Prepared *PreparedStatement
	Values   [][]byte // nil entries are null
}

func (b *BoundStatement) Params() *QueryParams { return &b.QueryParams }
func (b *BoundStatement) CQL() string          { return b.Prepared.Query }
