package typedkv

import (
	"crypto/rand"
	"testing"
)

// BenchmarkEncryptedValueEncode benchmarks encrypting a 1KB value
func BenchmarkEncryptedValueEncode(b *testing.B) {
	key := make([]byte, 32)
	rand.Read(key)
	codec, err := EncryptedValue(BytesValue, key)
	if err != nil {
		b.Fatal(err)
	}

	value := make([]byte, 1024)
	rand.Read(value)

	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := codec.EncodeValue(value); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEncryptedValueDecode benchmarks decrypting a 1KB value
func BenchmarkEncryptedValueDecode(b *testing.B) {
	key := make([]byte, 32)
	rand.Read(key)
	codec, err := EncryptedValue(BytesValue, key)
	if err != nil {
		b.Fatal(err)
	}

	value := make([]byte, 1024)
	rand.Read(value)
	data, err := codec.EncodeValue(value)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := codec.DecodeValue(data); err != nil {
			b.Fatal(err)
		}
	}
}
