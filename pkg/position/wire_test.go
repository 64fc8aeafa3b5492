package position

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReport_Forms(t *testing.T) {
	want := Position{Lat: 10, Lng: 20, Timestamp: 1000}

	frames := map[string]string{
		"enveloped":   `{"type":"position","data":{"lat":10,"lng":20,"timestamp":1000}}`,
		"bare":        `{"lat":10,"lng":20,"timestamp":1000}`,
		"addPosition": `{"type":"addPosition","position":{"lat":10,"lng":20,"timestamp":1000}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeReport([]byte(frame))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecodeReport_ZeroCoordinatesAreValid(t *testing.T) {
	got, err := DecodeReport([]byte(`{"lat":0,"lng":0,"timestamp":5}`))
	require.NoError(t, err)
	assert.Equal(t, Position{Timestamp: 5}, got)
}

func TestDecodeReport_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  RejectReason
	}{
		{"lat too high", `{"lat":90.5,"lng":0,"timestamp":1}`, ReasonInvalidCoordinate},
		{"lat too low", `{"lat":-91,"lng":0,"timestamp":1}`, ReasonInvalidCoordinate},
		{"lng out of range", `{"lat":0,"lng":181,"timestamp":1}`, ReasonInvalidCoordinate},
		{"lat missing", `{"lng":0,"timestamp":1}`, ReasonInvalidCoordinate},
		{"timestamp missing", `{"lat":1,"lng":2}`, ReasonMissingTimestamp},
		{"timestamp zero", `{"lat":1,"lng":2,"timestamp":0}`, ReasonMissingTimestamp},
		{"timestamp wins over coordinate", `{"lat":100,"lng":2}`, ReasonMissingTimestamp},
		{"not json", `lat=1`, ReasonMalformed},
		{"unknown type", `{"type":"hello"}`, ReasonMalformed},
		{"envelope without data", `{"type":"position"}`, ReasonMalformed},
		{"fractional timestamp", `{"lat":1,"lng":2,"timestamp":1.5}`, ReasonMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeReport([]byte(tc.frame))
			require.Error(t, err)
			reason, ok := ReasonOf(err)
			require.True(t, ok, "expected RejectError, got %T", err)
			assert.Equal(t, tc.want, reason)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Position{Lat: -90, Lng: 180, Timestamp: 1}))

	reason, _ := ReasonOf(Validate(Position{Lat: 12, Lng: 13}))
	assert.Equal(t, ReasonMissingTimestamp, reason)

	reason, _ = ReasonOf(Validate(Position{Lat: 12, Lng: -180.01, Timestamp: 1}))
	assert.Equal(t, ReasonInvalidCoordinate, reason)
}

func TestEncodeSnapshot_Shape(t *testing.T) {
	frame, err := EncodeSnapshot([]Position{{Lat: 1, Lng: 2, Timestamp: 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"positions","data":[{"lat":1,"lng":2,"timestamp":3}]}`, string(frame))

	empty, err := EncodeSnapshot(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"positions","data":[]}`, string(empty))
}

func TestEncodeError(t *testing.T) {
	frame, err := EncodeError(Reject(ReasonInvalidCoordinate, "lat out of range"))
	require.NoError(t, err)

	var m ErrorMessage
	require.NoError(t, json.Unmarshal(frame, &m))
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "invalid_coordinate", m.Error)
	assert.Equal(t, "lat out of range", m.Detail)
}

func TestEncodeReport_DecodesBack(t *testing.T) {
	p := Position{Lat: -33.86, Lng: 151.21, Timestamp: 1700000000000}
	frame, err := EncodeReport(p)
	require.NoError(t, err)

	got, err := DecodeReport(frame)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPoint_IsLngLat(t *testing.T) {
	p := Position{Lat: 10, Lng: 20}
	assert.Equal(t, 20.0, p.Point().Lon())
	assert.Equal(t, 10.0, p.Point().Lat())
}
