// Package encoding provides centralized serialization for the connector.
// Journal values, policy hook requests and broadcast payloads all go through
// this package so that every process agrees on one wire format.
//
// Marshal, Unmarshal, Compress and Decompress are safe for concurrent use.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes v as msgpack. Integers use the smallest encoding that
// holds them so changelog indexes stay short in the journal.
func Marshal(v any) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Unmarshal decodes msgpack data into v. Inside interface{} values strings
// decode as Go strings, never []byte, so paths in generic payloads compare
// equal after a round trip.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
