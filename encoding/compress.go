package encoding

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame markers prefixed to every framed payload.
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// DefaultCompressThreshold is the payload size above which Compress uses zstd.
// Small control messages stay raw; large active-transaction lists get compressed.
const DefaultCompressThreshold = 1024

// ErrInvalidFrame is returned when a framed payload has an unknown marker.
var ErrInvalidFrame = errors.New("encoding: invalid payload frame")

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

// Compress frames data, compressing it with zstd when it is larger than
// threshold. A threshold <= 0 disables compression.
func Compress(data []byte, threshold int) ([]byte, error) {
	if threshold <= 0 || len(data) <= threshold {
		out := make([]byte, 0, len(data)+1)
		out = append(out, frameRaw)
		return append(out, data...), nil
	}

	enc, err := getEncoder()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1, len(data)/2+1)
	out[0] = frameZstd
	return enc.EncodeAll(data, out), nil
}

// Decompress reverses Compress.
func Decompress(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, ErrInvalidFrame
	}

	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		dec, err := getDecoder()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(framed[1:], nil)
	default:
		return nil, ErrInvalidFrame
	}
}
