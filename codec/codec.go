// Package codec is the structured text encoding used on the wire: JSON, via sonic's
// encoding/json compatible configuration. Decoded integers that fit in 64 bits
// are int64; other numbers are float64.
package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// defaultConfig is sonic.ConfigStd with integers kept exact.
var defaultConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseInt64:         true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// EncodeBody serializes body for publishing. Failures match berr.ErrSerializationFailed.
func EncodeBody(body event.Body) ([]byte, error) {
	b, err := Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("codec encode: %w: %w", berr.ErrSerializationFailed, err)
	}

	return b, nil
}

// DecodeChannel validates that a raw channel name is UTF-8 text.
func DecodeChannel(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("codec channel: invalid utf-8: %w", berr.ErrDecoding)
	}

	return string(raw), nil
}

// DecodeBody validates payload as UTF-8 text and decodes it from JSON.
// Failures match berr.ErrDecoding.
func DecodeBody(payload []byte) (event.Body, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("codec decode: invalid utf-8: %w", berr.ErrDecoding)
	}

	var body event.Body
	if err := Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("codec decode: %w: %s (%d bytes)", berr.ErrDecoding, syntaxReason(err), len(payload))
	}

	return body, nil
}

// syntaxReason names what went wrong without quoting the payload, which the
// decoder's own error text includes.
func syntaxReason(err error) string {
	var se interface{ Message() string }
	if errors.As(err, &se) {
		return se.Message()
	}

	return "malformed json"
}

// As converts a decoded body into T by re-encoding it. Bodies that do not fit T
// match berr.ErrTypeMismatch.
func As[T any](body event.Body) (T, error) {
	var out T

	if v, ok := body.(T); ok {
		return v, nil
	}

	b, err := Marshal(body)
	if err != nil {
		return out, fmt.Errorf("codec as %T: %w: %w", out, berr.ErrTypeMismatch, err)
	}

	if err := Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("codec as %T: %w: %w", out, berr.ErrTypeMismatch, err)
	}

	return out, nil
}
