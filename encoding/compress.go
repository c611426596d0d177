package encoding

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Payload framing: one leading byte tells the reader whether the rest is
// zstd-compressed. Announcement consumers in other processes rely on it.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// compressThreshold is the smallest payload worth compressing.
const compressThreshold = 512

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder, encoderErr
}

func getDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Compress frames data, compressing it with zstd when enabled and the payload
// is large enough to benefit.
func Compress(data []byte, enabled bool) ([]byte, error) {
	if !enabled || len(data) < compressThreshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...), nil
	}

	enc, err := getEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return enc.EncodeAll(data, out), nil
}

// Decompress reverses Compress.
func Decompress(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch framed[0] {
	case frameRaw:
		return bytes.Clone(framed[1:]), nil
	case frameZstd:
		dec, err := getDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.DecodeAll(framed[1:], nil)
	default:
		return nil, fmt.Errorf("unknown payload frame 0x%02x", framed[0])
	}
}

// MarshalFramed encodes v with msgpack and frames the result.
func MarshalFramed(v interface{}, compress bool) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(data, compress)
}

// UnmarshalFramed reverses MarshalFramed.
func UnmarshalFramed(framed []byte, v interface{}) error {
	data, err := Decompress(framed)
	if err != nil {
		return err
	}
	return Unmarshal(data, v)
}
