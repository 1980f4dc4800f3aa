package typedkv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// KeyCodec converts keys of type K to and from their stored byte form. The
// encoded form defines the collection's iteration order: keys sort by the
// lexicographic order of their encoded bytes.
type KeyCodec[K any] interface {
	EncodeKey(key K) ([]byte, error)
	DecodeKey(data []byte) (K, error)
}

// ValueCodec converts values of type V to and from their stored byte form.
// Values carry no ordering requirement.
type ValueCodec[V any] interface {
	EncodeValue(value V) ([]byte, error)
	DecodeValue(data []byte) (V, error)
}

// ==================== Integer Key Codecs ====================

// fixedKeyCodec encodes integers as fixed-width big-endian bytes and rejects
// buffers of any other width on decode.
type fixedKeyCodec[K any] struct {
	name  string
	width int
	put   func(dst []byte, key K)
	get   func(src []byte) K
}

func (c fixedKeyCodec[K]) EncodeKey(key K) ([]byte, error) {
	buf := make([]byte, c.width)
	c.put(buf, key)
	return buf, nil
}

func (c fixedKeyCodec[K]) DecodeKey(data []byte) (K, error) {
	var zero K
	if len(data) != c.width {
		return zero, &KeyLengthError{Codec: c.name, Expected: c.width, Actual: len(data)}
	}
	return c.get(data), nil
}

// Unsigned integer key codecs. Big-endian fixed-width encoding makes byte
// order equal numeric order.
var (
	Uint8Key KeyCodec[uint8] = fixedKeyCodec[uint8]{
		name: "uint8", width: 1,
		put: func(b []byte, k uint8) { b[0] = k },
		get: func(b []byte) uint8 { return b[0] },
	}
	Uint16Key KeyCodec[uint16] = fixedKeyCodec[uint16]{
		name: "uint16", width: 2,
		put: func(b []byte, k uint16) { binary.BigEndian.PutUint16(b, k) },
		get: binary.BigEndian.Uint16,
	}
	Uint32Key KeyCodec[uint32] = fixedKeyCodec[uint32]{
		name: "uint32", width: 4,
		put: func(b []byte, k uint32) { binary.BigEndian.PutUint32(b, k) },
		get: binary.BigEndian.Uint32,
	}
	Uint64Key KeyCodec[uint64] = fixedKeyCodec[uint64]{
		name: "uint64", width: 8,
		put: func(b []byte, k uint64) { binary.BigEndian.PutUint64(b, k) },
		get: binary.BigEndian.Uint64,
	}
)

// Signed integer key codecs. The encoding is raw big-endian two's complement,
// so negative keys sort AFTER positive ones in iteration order. Callers that
// need natural signed ordering should bias keys into the unsigned range.
var (
	Int8Key KeyCodec[int8] = fixedKeyCodec[int8]{
		name: "int8", width: 1,
		put: func(b []byte, k int8) { b[0] = byte(k) },
		get: func(b []byte) int8 { return int8(b[0]) },
	}
	Int16Key KeyCodec[int16] = fixedKeyCodec[int16]{
		name: "int16", width: 2,
		put: func(b []byte, k int16) { binary.BigEndian.PutUint16(b, uint16(k)) },
		get: func(b []byte) int16 { return int16(binary.BigEndian.Uint16(b)) },
	}
	Int32Key KeyCodec[int32] = fixedKeyCodec[int32]{
		name: "int32", width: 4,
		put: func(b []byte, k int32) { binary.BigEndian.PutUint32(b, uint32(k)) },
		get: func(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) },
	}
	Int64Key KeyCodec[int64] = fixedKeyCodec[int64]{
		name: "int64", width: 8,
		put: func(b []byte, k int64) { binary.BigEndian.PutUint64(b, uint64(k)) },
		get: func(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) },
	}
)

// ==================== Pass-through Key Codecs ====================

type stringKeyCodec struct{}

func (stringKeyCodec) EncodeKey(key string) ([]byte, error) { return []byte(key), nil }
func (stringKeyCodec) DecodeKey(data []byte) (string, error) {
	return string(data), nil
}

// StringKey stores string keys as their UTF-8 bytes; iteration order is the
// natural byte order of the string.
var StringKey KeyCodec[string] = stringKeyCodec{}

type bytesKeyCodec struct{}

func (bytesKeyCodec) EncodeKey(key []byte) ([]byte, error) {
	return append([]byte(nil), key...), nil
}

func (bytesKeyCodec) DecodeKey(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// BytesKey stores byte-slice keys as-is. Encode and decode copy, so callers
// and the store never share backing arrays.
var BytesKey KeyCodec[[]byte] = bytesKeyCodec{}

// ==================== Value Codecs ====================

type jsonValueCodec[V any] struct{}

func (jsonValueCodec[V]) EncodeValue(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

func (jsonValueCodec[V]) DecodeValue(data []byte) (V, error) {
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return value, nil
}

// JSONValue returns a ValueCodec that stores V as JSON.
func JSONValue[V any]() ValueCodec[V] { return jsonValueCodec[V]{} }

type stringValueCodec struct{}

func (stringValueCodec) EncodeValue(value string) ([]byte, error) { return []byte(value), nil }
func (stringValueCodec) DecodeValue(data []byte) (string, error)  { return string(data), nil }

// StringValue stores string values as their UTF-8 bytes.
var StringValue ValueCodec[string] = stringValueCodec{}

type bytesValueCodec struct{}

func (bytesValueCodec) EncodeValue(value []byte) ([]byte, error) {
	return append([]byte(nil), value...), nil
}

func (bytesValueCodec) DecodeValue(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// BytesValue stores byte-slice values as-is, copying in both directions.
var BytesValue ValueCodec[[]byte] = bytesValueCodec{}
