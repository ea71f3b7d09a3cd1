package jsonutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

// JSON is the streaming codec. Marshal and Unmarshal take the sonic fast path.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

type RawMessage = jsoniter.RawMessage

var ErrNoMatch = errors.New("query matched nothing")

var bufferPool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

func Marshal(v any) ([]byte, error)      { return sonic.ConfigStd.Marshal(v) }
func Unmarshal(data []byte, v any) error { return sonic.ConfigStd.Unmarshal(data, v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return encodeWithIndent(v, prefix, indent)
}

func NewEncoder(w io.Writer) *jsoniter.Encoder { return JSON.NewEncoder(w) }
func NewDecoder(r io.Reader) *jsoniter.Decoder { return JSON.NewDecoder(r) }

// WriteIndented streams v to w as two-space indented JSON.
func WriteIndented(w io.Writer, v any) error {
	enc := JSON.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Query evaluates a gjson path against data. Objects and arrays come back as
// raw JSON, scalars as their string form.
func Query(data []byte, path string) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("query %q: input is not valid JSON", path)
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return "", fmt.Errorf("%w: %s", ErrNoMatch, path)
	}
	if res.IsObject() || res.IsArray() {
		return res.Raw, nil
	}
	return res.String(), nil
}

func encodeWithIndent(v any, prefix, indent string) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := JSON.NewEncoder(buf)
	if indent != "" || prefix != "" {
		enc.SetIndent(prefix, indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
