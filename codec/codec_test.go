package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-event-bus/codec"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func TestEncodeDecodeBody_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"object", map[string]any{"id": int64(42), "tags": []any{"a", "b"}}},
		{"array", []any{int64(1), "two", true, nil}},
		{"large integer", map[string]any{"id": int64(9007199254740993)}},
		{"negative integer", int64(-42)},
		{"string", "hello"},
		{"number", 3.5},
		{"bool", false},
		{"null", nil},
		{"nested", map[string]any{"order": map[string]any{"lines": []any{map[string]any{"sku": "x"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := codec.EncodeBody(tt.body)
			require.NoError(t, err)

			got, err := codec.DecodeBody(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.body, got)
		})
	}
}

func TestDecodeBody_Numbers(t *testing.T) {
	got, err := codec.DecodeBody([]byte(`{"n":9007199254740993,"f":1.5,"huge":18446744073709551616}`))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"n":    int64(9007199254740993),
		"f":    1.5,
		"huge": float64(18446744073709551616),
	}, got)
}

func TestAs_KeepsLargeIntegers(t *testing.T) {
	payload, err := codec.EncodeBody(map[string]any{"id": int64(9007199254740993)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9007199254740993}`, string(payload))

	body, err := codec.DecodeBody(payload)
	require.NoError(t, err)

	typed, err := codec.As[struct {
		ID int64 `json:"id"`
	}](body)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), typed.ID)
}

func TestDecodeBody_ErrorOmitsPayload(t *testing.T) {
	secret := `{"card":"4111111111111111","cvv":`

	_, err := codec.DecodeBody([]byte(secret))
	require.ErrorIs(t, err, berr.ErrDecoding)
	assert.NotContains(t, err.Error(), "4111111111111111")
	assert.Contains(t, err.Error(), "bytes")
}

func TestEncodeBody_Unsupported(t *testing.T) {
	_, err := codec.EncodeBody(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, berr.ErrSerializationFailed)
}

func TestDecodeBody_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"invalid utf8", []byte{0xff, 0xfe, '{'}},
		{"truncated json", []byte(`{"id": 4`)},
		{"not json", []byte(`hello`)},
		{"empty", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodeBody(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, berr.ErrDecoding)
		})
	}
}

func TestDecodeChannel(t *testing.T) {
	ch, err := codec.DecodeChannel([]byte("orders.created"))
	require.NoError(t, err)
	assert.Equal(t, "orders.created", ch)

	_, err = codec.DecodeChannel([]byte{0xc3, 0x28})
	assert.ErrorIs(t, err, berr.ErrDecoding)
}

type order struct {
	ID   int    `json:"id"`
	Note string `json:"note,omitempty"`
}

func TestAs(t *testing.T) {
	body, err := codec.DecodeBody([]byte(`{"id":42,"note":"rush"}`))
	require.NoError(t, err)

	got, err := codec.As[order](body)
	require.NoError(t, err)
	assert.Equal(t, order{ID: 42, Note: "rush"}, got)

	same, err := codec.As[order](order{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, same.ID)

	_, err = codec.As[order]("not an object")
	assert.ErrorIs(t, err, berr.ErrTypeMismatch)
}
