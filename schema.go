package typedkv

// Schema binds a collection name to the codecs for its keys and values. A
// schema is an immutable value; the same schema can open trees on any number
// of database handles. Collection names must be non-empty, at most 255 bytes,
// must not contain ':' and must not be the reserved name "sys"; invalid names
// surface when the schema first opens a tree.
type Schema[K, V any] struct {
	name string
	keys KeyCodec[K]
	vals ValueCodec[V]
}

// NewSchema creates a schema binding name to the given codecs.
func NewSchema[K, V any](name string, keys KeyCodec[K], vals ValueCodec[V]) Schema[K, V] {
	return Schema[K, V]{name: name, keys: keys, vals: vals}
}

// Name returns the collection name this schema binds.
func (s Schema[K, V]) Name() string { return s.name }

// The wrap helpers attach the collection name to codec failures so errors say
// which collection's codec was at fault.

func (s Schema[K, V]) encodeKey(key K) ([]byte, error) {
	data, err := s.keys.EncodeKey(key)
	if err != nil {
		return nil, &EncodeError{Collection: s.name, Err: err}
	}
	return data, nil
}

func (s Schema[K, V]) decodeKey(data []byte) (K, error) {
	key, err := s.keys.DecodeKey(data)
	if err != nil {
		return key, &DecodeError{Collection: s.name, Err: err}
	}
	return key, nil
}

func (s Schema[K, V]) encodeValue(value V) ([]byte, error) {
	data, err := s.vals.EncodeValue(value)
	if err != nil {
		return nil, &EncodeError{Collection: s.name, Err: err}
	}
	return data, nil
}

func (s Schema[K, V]) decodeValue(data []byte) (V, error) {
	value, err := s.vals.DecodeValue(data)
	if err != nil {
		return value, &DecodeError{Collection: s.name, Err: err}
	}
	return value, nil
}
