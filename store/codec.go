package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	offlineengine "github.com/wolfeidau/offline-engine"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// PayloadCodec compresses cache payloads when it pays off and verifies
// digests on the way back out. Encoder and decoder are goroutine-safe.
type PayloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPayloadCodec creates a codec with a reusable zstd encoder/decoder.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PayloadCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *PayloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data if beneficial and returns the stored bytes, their
// encoding and the digest of the original data.
func (c *PayloadCodec) Encode(data []byte) (payload []byte, encoding Encoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, EncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = offlineengine.Digest(data)

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// Decode decompresses payload if needed and verifies its digest.
// A malformed expected digest is reported as corruption.
func (c *PayloadCodec) Decode(payload []byte, encoding Encoding, expectedDigest string, expectedSize int64) ([]byte, error) {
	if expectedDigest != "" && !offlineengine.ValidDigest(expectedDigest) {
		return nil, fmt.Errorf("%w: malformed digest %q", ErrCorrupted, expectedDigest)
	}

	switch encoding {
	case EncodingIdentity, "":
		if expectedDigest != "" && offlineengine.Digest(payload) != expectedDigest {
			return nil, ErrCorrupted
		}
		return payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	if len(decompressed) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	if expectedDigest != "" && offlineengine.Digest(decompressed) != expectedDigest {
		return nil, ErrCorrupted
	}

	return decompressed, nil
}
