package protocol

import (
	"fmt"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/gocql/gocql"

	"github.com/arohanajit/simplecql/internal/cql"
)

// Defaults applied to statements that do not override them
type Defaults struct {
	Consistency gocql.Consistency
	PageSize    int
}

func queryOptions(values [][]byte, params *cql.QueryParams, def Defaults) *message.QueryOptions {
	opts := &message.QueryOptions{
		Consistency: primitive.ConsistencyLevel(params.ConsistencyOr(def.Consistency)),
		PagingState: params.PagingState,
	}

	pageSize := params.PageSize
	if pageSize == 0 {
		pageSize = def.PageSize
	}
	if pageSize > 0 {
		opts.PageSize = int32(pageSize)
	}

	if len(values) > 0 {
		opts.PositionalValues = make([]*primitive.Value, len(values))
		for i, v := range values {
			if v == nil {
				opts.PositionalValues[i] = primitive.NewNullValue()
			} else {
				opts.PositionalValues[i] = primitive.NewValue(v)
			}
		}
	}
	return opts
}

// RequestFor builds the QUERY or EXECUTE message for a statement
func RequestFor(stmt cql.Executable, def Defaults) (message.Message, error) {
	switch s := stmt.(type) {
	case *cql.Statement:
		values, err := s.EncodeValues()
		if err != nil {
			return nil, &cql.QueryError{Code: cql.CodeInvalid, Message: err.Error()}
		}
		return &message.Query{
			Query:   s.Query,
			Options: queryOptions(values, &s.QueryParams, def),
		}, nil
	case *cql.BoundStatement:
		return &message.Execute{
			QueryId: s.Prepared.ID,
			Options: queryOptions(s.Values, &s.QueryParams, def),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported statement type %T", stmt)
	}
}

// TypeInfo converts a protocol data type into the gocql type info used for marshaling
func TypeInfo(dt datatype.DataType) gocql.TypeInfo {
	code := gocql.Type(dt.GetDataTypeCode())
	switch t := dt.(type) {
	case datatype.ListType:
		return gocql.CollectionType{
			NativeType: gocql.NewNativeType(cql.ProtocolVersion, code, ""),
			Elem:       TypeInfo(t.GetElementType()),
		}
	case datatype.SetType:
		return gocql.CollectionType{
			NativeType: gocql.NewNativeType(cql.ProtocolVersion, code, ""),
			Elem:       TypeInfo(t.GetElementType()),
		}
	case datatype.MapType:
		return gocql.CollectionType{
			NativeType: gocql.NewNativeType(cql.ProtocolVersion, code, ""),
			Key:        TypeInfo(t.GetKeyType()),
			Elem:       TypeInfo(t.GetValueType()),
		}
	default:
		return cql.NativeType(code)
	}
}

// Columns converts column metadata into driver column descriptions
func Columns(md []*message.ColumnMetadata) []cql.ColumnInfo {
	if len(md) == 0 {
		return nil
	}
	out := make([]cql.ColumnInfo, len(md))
	for i, col := range md {
		out[i] = cql.ColumnInfo{
			Keyspace: col.Keyspace,
			Table:    col.Table,
			Name:     col.Name,
			TypeInfo: TypeInfo(col.Type),
		}
	}
	return out
}

// DecodeRows decodes a ROWS result. fallback is used when the server skipped metadata.
func DecodeRows(res *message.RowsResult, fallback []cql.ColumnInfo) (*cql.ResultSet, error) {
	rs := &cql.ResultSet{Columns: fallback}
	if res.Metadata != nil {
		if cols := Columns(res.Metadata.Columns); cols != nil {
			rs.Columns = cols
		}
		rs.PagingState = res.Metadata.PagingState
	}

	rs.Rows = make([]cql.Row, 0, len(res.Data))
	for i, raw := range res.Data {
		if len(raw) != len(rs.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, expected %d", i, len(raw), len(rs.Columns))
		}
		cells := make([]cql.Cell, len(raw))
		for j, data := range raw {
			cell, err := cql.DecodeCell(rs.Columns[j].TypeInfo, data)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, rs.Columns[j].Name, err)
			}
			cells[j] = cell
		}
		rs.Rows = append(rs.Rows, cql.NewRow(rs.Columns, cells))
	}
	return rs, nil
}

// DecodeResult turns a response to QUERY or EXECUTE into a result set or a typed error
func DecodeResult(host string, msg message.Message, fallback []cql.ColumnInfo) (*cql.ResultSet, error) {
	var (
		rs  *cql.ResultSet
		err error
	)
	switch r := msg.(type) {
	case *message.RowsResult:
		rs, err = DecodeRows(r, fallback)
	case *message.VoidResult:
		rs = &cql.ResultSet{}
	case *message.SetKeyspaceResult:
		rs = &cql.ResultSet{Keyspace: r.Keyspace}
	case *message.SchemaChangeResult:
		rs = &cql.ResultSet{Keyspace: r.Keyspace}
	case message.Error:
		return nil, ErrorFromMessage(host, r)
	default:
		return nil, fmt.Errorf("unexpected response %v from %s", msg.GetOpCode(), host)
	}
	if err != nil {
		return nil, err
	}
	rs.Coordinator = host
	return rs, nil
}

// DecodePrepared turns a response to PREPARE into a prepared statement or a typed error
func DecodePrepared(host, query, keyspace string, msg message.Message) (*cql.PreparedStatement, error) {
	switch r := msg.(type) {
	case *message.PreparedResult:
		ps := &cql.PreparedStatement{
			Query:    query,
			ID:       r.PreparedQueryId,
			Keyspace: keyspace,
		}
		if r.VariablesMetadata != nil {
			ps.Params = Columns(r.VariablesMetadata.Columns)
			for _, idx := range r.VariablesMetadata.PkIndices {
				ps.PartitionKey = append(ps.PartitionKey, int(idx))
			}
		}
		if r.ResultMetadata != nil {
			ps.ResultColumns = Columns(r.ResultMetadata.Columns)
		}
		return ps, nil
	case message.Error:
		return nil, ErrorFromMessage(host, r)
	default:
		return nil, fmt.Errorf("unexpected response %v to PREPARE from %s", msg.GetOpCode(), host)
	}
}

// ErrorFromMessage maps a server ERROR message onto the driver error taxonomy
func ErrorFromMessage(host string, e message.Error) error {
	code := cql.ErrorCode(e.GetErrorCode())
	switch m := e.(type) {
	case *message.ReadTimeout:
		return &cql.TimeoutError{Host: host, Code: code, Message: m.ErrorMessage, Received: m.Received, BlockFor: m.BlockFor}
	case *message.WriteTimeout:
		return &cql.TimeoutError{Host: host, Code: code, Message: m.ErrorMessage, Received: m.Received, BlockFor: m.BlockFor}
	case *message.Unprepared:
		return &cql.UnpreparedError{Host: host, ID: m.Id, Message: m.ErrorMessage}
	}

	switch code {
	case cql.CodeServerError, cql.CodeOverloaded, cql.CodeIsBootstrapping, cql.CodeProtocolError:
		return &cql.NodeError{Host: host, Code: code, Message: e.GetErrorMessage()}
	default:
		return &cql.QueryError{Host: host, Code: code, Message: e.GetErrorMessage()}
	}
}

// Check returns the typed error carried by msg, or nil when msg is not an ERROR
func Check(host string, msg message.Message) error {
	if e, ok := msg.(message.Error); ok {
		return ErrorFromMessage(host, e)
	}
	return nil
}
