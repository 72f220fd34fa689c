package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	original := &Frame{
		Type:          FrameTypeRequest,
		CorrelationID: "abc123",
		Method:        "POST",
		Path:          "/widgets",
		Query:         "color=red",
		Headers:       []Header{{"Content-Type", "application/json"}, {"X-Custom", "v1"}},
		Body:          []byte(`{"hello":"world"}`),
	}

	raw, err := EncodeFrame(original)
	require.NoError(t, err)

	decoded, err := DecodeFrame(raw, 0)
	require.NoError(t, err)

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, original.Method, decoded.Method)
	assert.Equal(t, original.Path, decoded.Path)
	assert.Equal(t, original.Query, decoded.Query)
	assert.Equal(t, original.Headers, decoded.Headers)
	assert.Equal(t, original.Body, decoded.Body)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"), 0)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecErrMalformedFrame, ce.Kind)
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"bogus"}`), 0)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecErrUnknownType, ce.Kind)
}

func TestDecodeFrameFieldMissing(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"attach"}`), 0)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecErrFieldMissing, ce.Kind)
}

func TestDecodeFrameTooLarge(t *testing.T) {
	raw := []byte(`{"type":"ping"}`)
	_, err := DecodeFrame(raw, len(raw)-1)
	require.Error(t, err)
	var ce *CodecError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodecErrFrameTooLarge, ce.Kind)
}

func TestDecodeFrameIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"ack","future_field":"ignored"}`)
	f, err := DecodeFrame(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAck, f.Type)
}

func TestBodyAlwaysBase64Encoded(t *testing.T) {
	f := &Frame{Type: FrameTypeResponse, CorrelationID: "x", Body: []byte("plain text body")}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"body_b64"`)
	assert.NotContains(t, string(raw), "plain text body")
}
