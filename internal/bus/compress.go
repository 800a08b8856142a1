package bus

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// HeaderContentEncoding marks a compressed payload
	HeaderContentEncoding = "Content-Encoding"
	encodingZstd          = "zstd"

	// maxDecodedSize bounds a decompressed payload
	maxDecodedSize = 16 * 1024 * 1024
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			codecErr = fmt.Errorf("failed to create zstd writer: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
		if codecErr != nil {
			codecErr = fmt.Errorf("failed to create zstd reader: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

// compressPayload zstd-encodes data when it is at least threshold bytes.
// A threshold of zero or less disables compression.
func compressPayload(data []byte, header map[string]string, threshold int) ([]byte, map[string]string, error) {
	if threshold <= 0 || len(data) < threshold {
		return data, header, nil
	}
	enc, _, err := codec()
	if err != nil {
		return nil, nil, err
	}

	out := make(map[string]string, len(header)+1)
	for k, v := range header {
		out[k] = v
	}
	out[HeaderContentEncoding] = encodingZstd
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), out, nil
}

// decompressPayload reverses compressPayload and strips the encoding header
func decompressPayload(data []byte, header map[string]string) ([]byte, map[string]string, error) {
	enc, ok := header[HeaderContentEncoding]
	if !ok {
		return data, header, nil
	}
	if enc != encodingZstd {
		return nil, nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	_, dec, err := codec()
	if err != nil {
		return nil, nil, err
	}
	plain, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	delete(header, HeaderContentEncoding)
	return plain, header, nil
}
