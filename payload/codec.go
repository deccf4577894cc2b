// Package payload stores compressed snapshots of payloads at pipeline stages
// for debugging and audit.
//
// Payloads are serialized to JSON, gzipped and base64-encoded. Content flags
// record whether a snapshot likely holds media references or inline base64
// blobs so retention and redaction jobs can find them without decompressing.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/klauspost/compress/gzip"
)

// Compressed is the result of Compress.
type Compressed struct {
	Data           string
	OriginalSize   int
	CompressedSize int
	// Ratio is CompressedSize / OriginalSize.
	Ratio float64
}

// Compress serializes v to JSON, gzips it and base64-encodes the result.
func Compress(v any) (*Compressed, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("payload: encoding: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("payload: compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("payload: compressing: %w", err)
	}

	c := &Compressed{
		Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		OriginalSize:   len(raw),
		CompressedSize: buf.Len(),
	}
	if c.OriginalSize > 0 {
		c.Ratio = float64(c.CompressedSize) / float64(c.OriginalSize)
	}
	return c, nil
}

func inflate(data string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("payload: decoding base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("payload: opening gzip stream: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("payload: decompressing: %w", err)
	}
	return raw, nil
}

// Decompress reverses Compress. Numbers are returned as json.Number so large
// integers survive the round trip.
func Decompress(data string) (any, error) {
	raw, err := inflate(data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload: decoding: %w", err)
	}
	return v, nil
}

// DecompressInto reverses Compress into v.
func DecompressInto(data string, v any) error {
	raw, err := inflate(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("payload: decoding: %w", err)
	}
	return nil
}

// DecompressRaw returns the JSON document stored by Compress.
func DecompressRaw(data string) (json.RawMessage, error) {
	raw, err := inflate(data)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

var (
	mediaPattern = regexp.MustCompile(
		`(?i)(\.(jpe?g|png|gif|webp|bmp|svg|heic|mp4|mov|avi|webm|mkv|mp3|ogg|oga|opus|wav|m4a|aac|pdf)\b)` +
			`|("(mime_?type|media_?url|media_?key|content_?type)"\s*:)`)

	// A data URI or a run of 100+ base64 characters.
	base64Pattern = regexp.MustCompile(`data:[\w/+.-]+;base64,|[A-Za-z0-9+/]{100,}={0,2}`)
)

// ContentFlags describes what a payload carries.
type ContentFlags struct {
	ContainsMedia  bool
	ContainsBase64 bool
}

// DetectContentFlags scans the serialized form of v.
func DetectContentFlags(v any) ContentFlags {
	var raw []byte
	switch t := v.(type) {
	case []byte:
		raw = t
	case json.RawMessage:
		raw = t
	case string:
		raw = []byte(t)
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return ContentFlags{}
		}
	}
	return ContentFlags{
		ContainsMedia:  mediaPattern.Match(raw),
		ContainsBase64: base64Pattern.Match(raw),
	}
}
