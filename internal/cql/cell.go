package cql

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gocql/gocql"
)

// ProtocolVersion is the native protocol version every value is encoded for
const ProtocolVersion = 4

// Kind identifies which field of a Cell holds its value
type Kind uint8

const (
	KindNull Kind = iota
	KindText
	KindInt
	KindBool
	KindDouble
	KindUUID
	KindTimestamp
	KindBlob
	KindInet
	KindOther // any type without a dedicated variant, kept as raw bytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindDouble:
		return "double"
	case KindUUID:
		return "uuid"
	case KindTimestamp:
		return "timestamp"
	case KindBlob:
		return "blob"
	case KindInet:
		return "inet"
	default:
		return "other"
	}
}

// Cell is a single decoded column value. Exactly one payload field is
// meaningful, selected by Kind.
type Cell struct {
	Kind Kind
	Type gocql.Type

	text string
	i64  int64
	f64  float64
	b    bool
	uuid gocql.UUID
	ts   time.Time
	ip   net.IP
	raw  []byte
}

func NullCell(t gocql.Type) Cell         { return Cell{Kind: KindNull, Type: t} }
func TextCell(s string) Cell             { return Cell{Kind: KindText, Type: gocql.TypeVarchar, text: s} }
func IntCell(t gocql.Type, v int64) Cell { return Cell{Kind: KindInt, Type: t, i64: v} }
func BoolCell(v bool) Cell               { return Cell{Kind: KindBool, Type: gocql.TypeBoolean, b: v} }

func (c Cell) IsNull() bool { return c.Kind == KindNull }

func (c Cell) Text() (string, bool)     { return c.text, c.Kind == KindText }
func (c Cell) Int64() (int64, bool)     { return c.i64, c.Kind == KindInt }
func (c Cell) Bool() (bool, bool)       { return c.b, c.Kind == KindBool }
func (c Cell) Float64() (float64, bool) { return c.f64, c.Kind == KindDouble }
func (c Cell) UUID() (gocql.UUID, bool) { return c.uuid, c.Kind == KindUUID }
func (c Cell) Time() (time.Time, bool)  { return c.ts, c.Kind == KindTimestamp }
func (c Cell) IP() (net.IP, bool)       { return c.ip, c.Kind == KindInet }
func (c Cell) Bytes() ([]byte, bool)    { return c.raw, c.Kind == KindBlob || c.Kind == KindOther }

// String renders the cell the way cqlsh would display it
func (c Cell) String() string {
	switch c.Kind {
	case KindNull:
		return "null"
	case KindText:
		return c.text
	case KindInt:
		return strconv.FormatInt(c.i64, 10)
	case KindBool:
		return strconv.FormatBool(c.b)
	case KindDouble:
		return strconv.FormatFloat(c.f64, 'g', -1, 64)
	case KindUUID:
		return c.uuid.String()
	case KindTimestamp:
		return c.ts.UTC().Format(time.RFC3339Nano)
	case KindInet:
		return c.ip.String()
	default:
		return "0x" + hex.EncodeToString(c.raw)
	}
}

// DecodeCell decodes a wire value of the given type. A nil value is a null cell.
func DecodeCell(info gocql.TypeInfo, data []byte) (Cell, error) {
	t := info.Type()
	if data == nil {
		return NullCell(t), nil
	}

	var err error
	cell := Cell{Type: t}
	switch t {
	case gocql.TypeVarchar, gocql.TypeAscii, gocql.TypeText:
		cell.Kind = KindText
		err = gocql.Unmarshal(info, data, &cell.text)
	case gocql.TypeInt, gocql.TypeSmallInt, gocql.TypeTinyInt, gocql.TypeBigInt, gocql.TypeCounter, gocql.TypeTime:
		cell.Kind = KindInt
		err = gocql.Unmarshal(info, data, &cell.i64)
	case gocql.TypeBoolean:
		cell.Kind = KindBool
		err = gocql.Unmarshal(info, data, &cell.b)
	case gocql.TypeDouble, gocql.TypeFloat:
		cell.Kind = KindDouble
		if t == gocql.TypeFloat {
			var f float32
			err = gocql.Unmarshal(info, data, &f)
			cell.f64 = float64(f)
		} else {
			err = gocql.Unmarshal(info, data, &cell.f64)
		}
	case gocql.TypeUUID, gocql.TypeTimeUUID:
		cell.Kind = KindUUID
		err = gocql.Unmarshal(info, data, &cell.uuid)
	case gocql.TypeTimestamp, gocql.TypeDate:
		cell.Kind = KindTimestamp
		err = gocql.Unmarshal(info, data, &cell.ts)
	case gocql.TypeInet:
		cell.Kind = KindInet
		err = gocql.Unmarshal(info, data, &cell.ip)
	case gocql.TypeBlob:
		cell.Kind = KindBlob
		cell.raw = append([]byte(nil), data...)
	default:
		cell.Kind = KindOther
		cell.raw = append([]byte(nil), data...)
	}
	if err != nil {
		return Cell{}, fmt.Errorf("failed to decode %s value: %w", t, err)
	}
	return cell, nil
}

// NativeType returns the protocol v4 type info for a native type code
func NativeType(t gocql.Type) gocql.TypeInfo {
	return gocql.NewNativeType(ProtocolVersion, t, "")
}

// MarshalValue encodes a Go value for a column of the given type.
// A nil value encodes as null.
func MarshalValue(info gocql.TypeInfo, v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := gocql.Marshal(info, v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T as %s: %w", v, info.Type(), err)
	}
	return data, nil
}

// InferType picks the column type for a value bound to an unprepared statement
func InferType(v interface{}) (gocql.TypeInfo, error) {
	switch v.(type) {
	case string:
		return NativeType(gocql.TypeVarchar), nil
	case int, int64:
		return NativeType(gocql.TypeBigInt), nil
	case int32:
		return NativeType(gocql.TypeInt), nil
	case int16:
		return NativeType(gocql.TypeSmallInt), nil
	case int8:
		return NativeType(gocql.TypeTinyInt), nil
	case bool:
		return NativeType(gocql.TypeBoolean), nil
	case float64:
		return NativeType(gocql.TypeDouble), nil
	case float32:
		return NativeType(gocql.TypeFloat), nil
	case []byte:
		return NativeType(gocql.TypeBlob), nil
	case time.Time:
		return NativeType(gocql.TypeTimestamp), nil
	case gocql.UUID:
		return NativeType(gocql.TypeUUID), nil
	case net.IP:
		return NativeType(gocql.TypeInet), nil
	default:
		return nil, fmt.Errorf("cannot infer a CQL type for %T", v)
	}
}
