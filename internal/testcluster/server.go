package testcluster

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/protocol"
)

const releaseVersion = "4.1.3"

type serverConn struct {
	node   *Node
	nc     net.Conn
	logger *zap.Logger

	mu          sync.Mutex
	codec       *protocol.Codec
	compressing bool
	keyspace    string
	events      map[primitive.EventType]bool
	authed      bool
}

func newServerConn(n *Node, nc net.Conn) *serverConn {
	return &serverConn{
		node:   n,
		nc:     nc,
		logger: n.logger,
		codec:  protocol.NewCodec(nil),
		events: make(map[primitive.EventType]bool),
		authed: n.cluster.opts.Username == "",
	}
}

func (s *serverConn) close() { s.nc.Close() }

func (s *serverConn) registeredFor(t primitive.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[t]
}

func (s *serverConn) send(stream int16, msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.codec.Encode(s.nc, stream, msg, s.compressing); err != nil {
		s.logger.Debug("Fake node write failed", zap.Error(err))
	}
}

func (s *serverConn) serve() {
	defer s.nc.Close()
	r := bufio.NewReader(s.nc)
	for {
		s.mu.Lock()
		codec := s.codec
		s.mu.Unlock()

		f, err := codec.Decode(r)
		if err != nil {
			return
		}
		resp, keep := s.handle(f.Body.Message)
		if !keep {
			return
		}
		if resp != nil {
			s.send(f.Header.StreamId, resp)
		}
		// The reply to STARTUP goes out uncompressed, everything after it is compressed
		if _, ok := f.Body.Message.(*message.Startup); ok {
			s.mu.Lock()
			s.compressing = s.codec.Compressor() != nil
			s.mu.Unlock()
		}
	}
}

// handle answers one request. A nil response means no reply is sent; keep
// false drops the connection.
func (s *serverConn) handle(req message.Message) (message.Message, bool) {
	switch m := req.(type) {
	case *message.Options:
		return &message.Supported{Options: map[string][]string{
			"CQL_VERSION": {"3.0.0"},
			"COMPRESSION": {"lz4", "snappy"},
		}}, true
	case *message.Startup:
		return s.startup(m), true
	case *message.AuthResponse:
		return s.authResponse(m), true
	}

	s.mu.Lock()
	authed := s.authed
	s.mu.Unlock()
	if !authed {
		return &message.ProtocolError{ErrorMessage: "request before authentication"}, true
	}

	switch m := req.(type) {
	case *message.Register:
		s.mu.Lock()
		for _, t := range m.EventTypes {
			s.events[t] = true
		}
		s.mu.Unlock()
		return &message.Ready{}, true
	case *message.Query:
		return s.query(m)
	case *message.Prepare:
		return s.prepare(m), true
	case *message.Execute:
		return s.execute(m)
	default:
		return &message.ProtocolError{ErrorMessage: fmt.Sprintf("unsupported request %v", req.GetOpCode())}, true
	}
}

func (s *serverConn) startup(m *message.Startup) message.Message {
	var compressor protocol.Compressor
	if name, ok := m.Options["COMPRESSION"]; ok {
		var err error
		if compressor, err = protocol.NewCompressor(name); err != nil {
			return &message.ProtocolError{ErrorMessage: err.Error()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = protocol.NewCodec(compressor)

	if !s.authed {
		return &message.Authenticate{Authenticator: "org.apache.cassandra.auth.PasswordAuthenticator"}
	}
	return &message.Ready{}
}

func (s *serverConn) authResponse(m *message.AuthResponse) message.Message {
	opts := s.node.cluster.opts
	parts := bytes.Split(m.Token, []byte{0})
	if len(parts) != 3 || string(parts[1]) != opts.Username || string(parts[2]) != opts.Password {
		return &message.AuthenticationError{ErrorMessage: "Provided username and/or password are incorrect"}
	}
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
	return &message.AuthSuccess{}
}

func (s *serverConn) currentKeyspace(explicit string) string {
	if explicit != "" {
		return explicit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyspace
}

func (s *serverConn) query(m *message.Query) (message.Message, bool) {
	st, err := parseStatement(m.Query)
	if err != nil {
		return errorMessage(err), true
	}
	if st.kind == stmtSystem {
		return s.node.systemRows(st.systemTable), true
	}
	if st.kind == stmtUse {
		if !s.node.cluster.store.hasKeyspace(st.keyspace) {
			return &message.Invalid{ErrorMessage: "Keyspace '" + st.keyspace + "' does not exist"}, true
		}
		s.mu.Lock()
		s.keyspace = st.keyspace
		s.mu.Unlock()
		return &message.SetKeyspaceResult{Keyspace: st.keyspace}, true
	}

	if resp, handled, keep := s.applyFault(); handled {
		return resp, keep
	}
	s.node.served.Add(1)
	return s.run(st, values(m.Options), m.Options), true
}

func (s *serverConn) prepare(m *message.Prepare) message.Message {
	st, err := parseStatement(m.Query)
	if err != nil {
		return errorMessage(err)
	}
	keyspace := s.currentKeyspace(st.keyspace)
	if st.kind != stmtSystem {
		s.node.cluster.prepares.Add(1)
	}

	result := &message.PreparedResult{
		PreparedQueryId:   preparedID(keyspace, m.Query),
		VariablesMetadata: &message.VariablesMetadata{},
	}

	if st.kind == stmtInsert || st.kind == stmtSelect {
		if _, err := s.node.cluster.store.columnsOf(keyspace, &statement{table: st.table}); err != nil {
			return errorMessage(err)
		}
		vars := columnMetadata(keyspace, st.table, st.markers())
		result.VariablesMetadata.Columns = vars
		if len(vars) > 0 {
			result.VariablesMetadata.PkIndices = []uint16{0}
		}
		if st.kind == stmtSelect {
			cols, err := s.node.cluster.store.columnsOf(keyspace, st)
			if err != nil {
				return errorMessage(err)
			}
			md := columnMetadata(keyspace, st.table, cols)
			result.ResultMetadata = &message.RowsMetadata{ColumnCount: int32(len(md)), Columns: md}
		}
	}

	s.node.cluster.registerPrepared(result.PreparedQueryId, preparedEntry{query: m.Query, keyspace: keyspace, stmt: st})
	s.node.learn(result.PreparedQueryId)
	return result
}

func (s *serverConn) execute(m *message.Execute) (message.Message, bool) {
	entry, ok := s.node.cluster.lookupPrepared(m.QueryId)
	if !ok || !s.node.knows(m.QueryId) {
		return &message.Unprepared{ErrorMessage: "Prepared query with ID not found", Id: m.QueryId}, true
	}
	if entry.stmt.kind == stmtSystem {
		return s.node.systemRows(entry.stmt.systemTable), true
	}

	if resp, handled, keep := s.applyFault(); handled {
		return resp, keep
	}
	s.node.served.Add(1)

	st := *entry.stmt
	if st.keyspace == "" {
		st.keyspace = entry.keyspace
	}
	return s.run(&st, values(m.Options), m.Options), true
}

func (s *serverConn) applyFault() (message.Message, bool, bool) {
	switch s.node.takeFault() {
	case FaultOverloaded:
		return &message.Overloaded{ErrorMessage: "Server is overloaded"}, true, true
	case FaultReadTimeout:
		return &message.ReadTimeout{
			ErrorMessage: "Operation timed out - received only 0 responses.",
			Consistency:  primitive.ConsistencyLevelLocalQuorum,
			BlockFor:     2,
		}, true, true
	case FaultWriteTimeout:
		return &message.WriteTimeout{
			ErrorMessage: "Operation timed out - received only 0 responses.",
			Consistency:  primitive.ConsistencyLevelLocalQuorum,
			BlockFor:     2,
			WriteType:    primitive.WriteTypeSimple,
		}, true, true
	case FaultUnavailable:
		return &message.Unavailable{
			ErrorMessage: "Cannot achieve consistency level LOCAL_QUORUM",
			Consistency:  primitive.ConsistencyLevelLocalQuorum,
			Required:     2,
			Alive:        1,
		}, true, true
	case FaultServerError:
		return &message.ServerError{ErrorMessage: "java.lang.RuntimeException"}, true, true
	case FaultNoResponse:
		return nil, true, true
	case FaultCloseConnection:
		return nil, true, false
	default:
		return nil, false, true
	}
}

func (s *serverConn) run(st *statement, bound [][]byte, opts *message.QueryOptions) message.Message {
	store := s.node.cluster.store
	keyspace := s.currentKeyspace(st.keyspace)

	switch st.kind {
	case stmtInsert:
		if err := store.insert(keyspace, st, bound); err != nil {
			return errorMessage(err)
		}
		return &message.VoidResult{}
	case stmtSelect:
		cols, err := store.columnsOf(keyspace, st)
		if err != nil {
			return errorMessage(err)
		}
		var pageSize, offset int
		if opts != nil {
			pageSize = int(opts.PageSize)
			offset = decodePagingState(opts.PagingState)
		}
		rows, next, err := store.selectRows(keyspace, st, bound, offset, pageSize)
		if err != nil {
			return errorMessage(err)
		}
		md := columnMetadata(keyspace, st.table, cols)
		result := &message.RowsResult{
			Metadata: &message.RowsMetadata{ColumnCount: int32(len(md)), Columns: md},
			Data:     make(message.RowSet, 0, len(rows)),
		}
		if next >= 0 {
			result.Metadata.PagingState = encodePagingState(next)
		}
		for _, row := range rows {
			r := make(message.Row, len(row))
			for i, v := range row {
				r[i] = v
			}
			result.Data = append(result.Data, r)
		}
		return result
	default:
		return &message.ProtocolError{ErrorMessage: "unexpected statement"}
	}
}

func values(opts *message.QueryOptions) [][]byte {
	if opts == nil {
		return nil
	}
	out := make([][]byte, len(opts.PositionalValues))
	for i, v := range opts.PositionalValues {
		if v != nil && v.Type == primitive.ValueTypeRegular {
			out[i] = v.Contents
		}
	}
	return out
}

func columnMetadata(keyspace, tableName string, names []string) []*message.ColumnMetadata {
	md := make([]*message.ColumnMetadata, len(names))
	for i, name := range names {
		md[i] = &message.ColumnMetadata{
			Keyspace: keyspace,
			Table:    tableName,
			Name:     name,
			Index:    int32(i),
			Type:     datatype.Varchar,
		}
	}
	return md
}

func errorMessage(err error) message.Message {
	switch e := err.(type) {
	case *syntaxError:
		return &message.SyntaxError{ErrorMessage: e.msg}
	case *invalidError:
		return &message.Invalid{ErrorMessage: e.msg}
	default:
		return &message.ServerError{ErrorMessage: err.Error()}
	}
}

func marshal(t gocql.Type, v interface{}) []byte {
	data, err := cql.MarshalValue(cql.NativeType(t), v)
	if err != nil {
		panic(err)
	}
	return data
}
