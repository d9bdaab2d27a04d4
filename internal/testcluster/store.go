package testcluster

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	useRe    = regexp.MustCompile(`(?is)^\s*USE\s+"?(\w+)"?\s*;?\s*$`)
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+([\w."]+)\s*\(([^)]*)\)\s*VALUES\s*\((.*)\)\s*;?\s*$`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([\w."]+)` +
		`(?:\s+WHERE\s+(\w+)\s*=\s*('(?:[^']|'')*'|\?))?` +
		`(?:\s+LIMIT\s+(\d+))?\s*;?\s*$`)
	systemRe = regexp.MustCompile(`(?is)\bFROM\s+system\.(local|peers_v2|peers)\b`)
)

type stmtKind int

const (
	stmtUse stmtKind = iota
	stmtInsert
	stmtSelect
	stmtSystem
)

// statement is a parsed CQL string. Bind markers are represented by
// placeholder entries that are filled at execution time.
type statement struct {
	kind     stmtKind
	keyspace string // explicit keyspace, or the USE target
	table    string

	columns []string // INSERT targets or SELECT projection; nil means *
	values  []literal

	whereColumn string
	whereValue  *literal
	limit       int

	systemTable string
}

type literal struct {
	marker bool
	value  []byte
}

// markers returns the column name of every bind marker, in order
func (s *statement) markers() []string {
	var out []string
	for i, v := range s.values {
		if v.marker {
			out = append(out, s.columns[i])
		}
	}
	if s.whereValue != nil && s.whereValue.marker {
		out = append(out, s.whereColumn)
	}
	return out
}

type syntaxError struct{ msg string }

func (e *syntaxError) Error() string { return e.msg }

func parseStatement(query string) (*statement, error) {
	if m := systemRe.FindStringSubmatch(query); m != nil {
		return &statement{kind: stmtSystem, systemTable: strings.ToLower(m[1])}, nil
	}
	if m := useRe.FindStringSubmatch(query); m != nil {
		return &statement{kind: stmtUse, keyspace: m[1]}, nil
	}
	if m := insertRe.FindStringSubmatch(query); m != nil {
		st := &statement{kind: stmtInsert}
		st.keyspace, st.table = splitTable(m[1])
		st.columns = splitColumns(m[2])
		values, err := splitLiterals(m[3])
		if err != nil {
			return nil, err
		}
		if len(values) != len(st.columns) {
			return nil, &syntaxError{fmt.Sprintf("unmatched column names/values: %d columns, %d values", len(st.columns), len(values))}
		}
		st.values = values
		return st, nil
	}
	if m := selectRe.FindStringSubmatch(query); m != nil {
		st := &statement{kind: stmtSelect}
		if strings.TrimSpace(m[1]) != "*" {
			st.columns = splitColumns(m[1])
		}
		st.keyspace, st.table = splitTable(m[2])
		if m[3] != "" {
			lit, err := parseLiteral(m[4])
			if err != nil {
				return nil, err
			}
			st.whereColumn = strings.ToLower(m[3])
			st.whereValue = &lit
		}
		if m[5] != "" {
			st.limit, _ = strconv.Atoi(m[5])
		}
		return st, nil
	}
	return nil, &syntaxError{fmt.Sprintf("line 1:0 no viable alternative at input '%s'", firstWord(query))}
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func splitTable(name string) (string, string) {
	name = strings.ReplaceAll(name, `"`, "")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], strings.ToLower(name[i+1:])
	}
	return "", strings.ToLower(name)
}

func splitColumns(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.Trim(strings.TrimSpace(p), `"`)))
	}
	return out
}

// splitLiterals splits a VALUES list on commas outside of quotes
func splitLiterals(s string) ([]literal, error) {
	var (
		out     []literal
		current strings.Builder
		quoted  bool
	)
	flush := func() error {
		lit, err := parseLiteral(current.String())
		if err != nil {
			return err
		}
		out = append(out, lit)
		current.Reset()
		return nil
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			quoted = !quoted
			current.WriteByte(ch)
		case ch == ',' && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			current.WriteByte(ch)
		}
	}
	if quoted {
		return nil, &syntaxError{"unterminated string literal"}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLiteral(raw string) (literal, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "?":
		return literal{marker: true}, nil
	case strings.EqualFold(raw, "null"):
		return literal{}, nil
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return literal{value: []byte(strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"))}, nil
	case raw != "" && strings.Trim(raw, "0123456789.-") == "":
		return literal{value: []byte(raw)}, nil
	default:
		return literal{}, &syntaxError{fmt.Sprintf("line 1:0 no viable alternative at input '%s'", raw)}
	}
}

// preparedID derives a stable id the way Cassandra does: a digest of keyspace and query
func preparedID(keyspace, query string) []byte {
	sum := md5.Sum([]byte(keyspace + query))
	return sum[:]
}

type table struct {
	columns []string
	rows    [][][]byte
}

func (t *table) columnIndex(name string) int {
	for i, c := range t.columns {
		if c == name {
			return i
		}
	}
	return -1
}

// store is the data shared by every node of a cluster. All columns are text.
type store struct {
	mu        sync.RWMutex
	keyspaces map[string]map[string]*table
}

func newStore() *store {
	return &store{keyspaces: make(map[string]map[string]*table)}
}

func (s *store) createTable(keyspace, name string, columns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables, ok := s.keyspaces[keyspace]
	if !ok {
		tables = make(map[string]*table)
		s.keyspaces[keyspace] = tables
	}
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = strings.ToLower(c)
	}
	tables[strings.ToLower(name)] = &table{columns: cols}
}

func (s *store) hasKeyspace(keyspace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keyspaces[keyspace]
	return ok
}

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

func (s *store) lookup(keyspace, name string) (*table, error) {
	if keyspace == "" {
		return nil, &invalidError{"No keyspace has been specified. USE a keyspace, or explicitly specify keyspace.tablename"}
	}
	tables, ok := s.keyspaces[keyspace]
	if !ok {
		return nil, &invalidError{fmt.Sprintf("Keyspace %s does not exist", keyspace)}
	}
	t, ok := tables[name]
	if !ok {
		return nil, &invalidError{fmt.Sprintf("unconfigured table %s", name)}
	}
	return t, nil
}

// columnsOf returns the projection of a SELECT
func (s *store) columnsOf(keyspace string, st *statement) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(keyspace, st.table)
	if err != nil {
		return nil, err
	}
	if st.columns == nil {
		return t.columns, nil
	}
	for _, c := range st.columns {
		if t.columnIndex(c) < 0 {
			return nil, &invalidError{fmt.Sprintf("Undefined column name %s", c)}
		}
	}
	return st.columns, nil
}

func bindLiterals(values []literal, bound [][]byte, next *int) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		if !v.marker {
			out[i] = v.value
			continue
		}
		if *next >= len(bound) {
			return nil, &invalidError{fmt.Sprintf("there were %d markers(?) in CQL but %d bound variables", *next+1, len(bound))}
		}
		out[i] = bound[*next]
		*next++
	}
	return out, nil
}

func (s *store) insert(keyspace string, st *statement, bound [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(keyspace, st.table)
	if err != nil {
		return err
	}
	next := 0
	values, err := bindLiterals(st.values, bound, &next)
	if err != nil {
		return err
	}

	row := make([][]byte, len(t.columns))
	for i, col := range st.columns {
		idx := t.columnIndex(col)
		if idx < 0 {
			return &invalidError{fmt.Sprintf("Undefined column name %s", col)}
		}
		row[idx] = values[i]
	}
	t.rows = append(t.rows, row)
	return nil
}

// selectRows returns the projected rows starting at offset, and the offset of
// the next page or -1 when the result is exhausted.
func (s *store) selectRows(keyspace string, st *statement, bound [][]byte, offset, pageSize int) ([][][]byte, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.lookup(keyspace, st.table)
	if err != nil {
		return nil, -1, err
	}

	projection := st.columns
	if projection == nil {
		projection = t.columns
	}

	whereIdx := -1
	var whereValue []byte
	if st.whereValue != nil {
		if whereIdx = t.columnIndex(st.whereColumn); whereIdx < 0 {
			return nil, -1, &invalidError{fmt.Sprintf("Undefined column name %s", st.whereColumn)}
		}
		next := 0
		vals, err := bindLiterals([]literal{*st.whereValue}, bound, &next)
		if err != nil {
			return nil, -1, err
		}
		whereValue = vals[0]
	}

	var matched [][][]byte
	for _, row := range t.rows {
		if whereIdx >= 0 && string(row[whereIdx]) != string(whereValue) {
			continue
		}
		out := make([][]byte, len(projection))
		for i, col := range projection {
			out[i] = row[t.columnIndex(col)]
		}
		matched = append(matched, out)
		if st.limit > 0 && len(matched) == st.limit {
			break
		}
	}

	if offset >= len(matched) {
		return nil, -1, nil
	}
	matched = matched[offset:]
	if pageSize > 0 && len(matched) > pageSize {
		return matched[:pageSize], offset + pageSize, nil
	}
	return matched, -1, nil
}

func encodePagingState(offset int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(offset))
	return buf
}

func decodePagingState(state []byte) int {
	if len(state) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(state))
}
