package epg

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// MaxGzipLayers bounds how many nested gzip wrappers are stripped.
	MaxGzipLayers = 5

	maxDecodedSize = 500 * 1024 * 1024 // 500MB, same ceiling as a fetched body
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}

	errDecodedTooLarge = errors.New("decompressed payload exceeds size limit")
)

// PayloadKind classifies the leading bytes of a downloaded guide payload.
type PayloadKind int

const (
	// PayloadRaw is neither gzip nor recognisable text.
	PayloadRaw PayloadKind = iota
	// PayloadGzip starts with the gzip magic number.
	PayloadGzip
	// PayloadText starts with '<' or a UTF-8 byte order mark.
	PayloadText
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadGzip:
		return "gzip"
	case PayloadText:
		return "text"
	default:
		return "raw"
	}
}

// Sniff inspects the first bytes of data.
func Sniff(data []byte) PayloadKind {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return PayloadGzip
	case bytes.HasPrefix(data, utf8BOM), len(data) > 0 && data[0] == '<':
		return PayloadText
	default:
		return PayloadRaw
	}
}

// Decompress strips up to MaxGzipLayers of gzip framing and returns the
// remaining bytes together with the number of layers removed. A layer that
// fails to decompress is abandoned and its input is returned as final.
func Decompress(raw []byte) ([]byte, int) {
	data := raw
	layers := 0

	for layers < MaxGzipLayers && Sniff(data) == PayloadGzip {
		out, err := gunzip(data)
		if err != nil {
			break
		}

		data = out
		layers++
	}

	return data, layers
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip layer: %w", err)
	}

	if len(out) > maxDecodedSize {
		return nil, errDecodedTooLarge
	}

	return out, nil
}

// DecodeText decodes data as UTF-8, dropping a leading byte order mark and
// replacing ill-formed sequences with U+FFFD.
func DecodeText(data []byte) string {
	out, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), data)
	if err != nil {
		return string(bytes.ToValidUTF8(bytes.TrimPrefix(data, utf8BOM), []byte("�")))
	}

	return string(out)
}

// DecodePayload runs Decompress followed by DecodeText.
func DecodePayload(raw []byte) (string, int) {
	data, layers := Decompress(raw)

	return DecodeText(data), layers
}
