package reportstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// ErrUnknownCompression is returned by NewCompressor for unsupported names.
var ErrUnknownCompression = errors.New("unknown compression")

// Compressor is a reversible byte-stream compression used for every persisted
// and uploaded batch.
type Compressor interface {
	// Name is the algorithm name, also used as the HTTP Content-Encoding.
	Name() string
	// Extension is the batch file extension, without the dot.
	Extension() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor returns the compressor registered under name.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", "gzip":
		return GzipCompressor{}, nil
	case "lz4":
		return LZ4Compressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// GzipCompressor compresses batches with gzip.
type GzipCompressor struct{}

func (GzipCompressor) Name() string      { return "gzip" }
func (GzipCompressor) Extension() string { return "gz" }

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip writer close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader failed: %w", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}

// LZ4Compressor compresses batches with the LZ4 frame format. It trades
// ratio for speed on low-power scanners.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string      { return "lz4" }
func (LZ4Compressor) Extension() string { return "lz4" }

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 writer close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 read failed: %w", err)
	}
	return out, nil
}
