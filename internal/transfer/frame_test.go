package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMetadata(t *testing.T) {
	data, err := EncodeMetadata(Metadata{Name: "a.txt", Size: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"meta":{"name":"a.txt","size":10}}`, string(data))
}

func TestDecodeMetadata(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Metadata
		ok    bool
	}{
		{"frame", `{"meta":{"name":"a.txt","size":10}}`, Metadata{Name: "a.txt", Size: 10}, true},
		{"leading space", "  \n{\"meta\":{\"name\":\"b\",\"size\":0}}", Metadata{Name: "b", Size: 0}, true},
		{"missing name", `{"meta":{"size":3}}`, Metadata{Size: 3}, true},
		{"missing size", `{"meta":{"name":"a"}}`, Metadata{}, false},
		{"negative size", `{"meta":{"name":"a","size":-1}}`, Metadata{}, false},
		{"fractional size", `{"meta":{"name":"a","size":1.5}}`, Metadata{}, false},
		{"meta not object", `{"meta":true}`, Metadata{}, false},
		{"no meta", `{"name":"a","size":1}`, Metadata{}, false},
		{"json array", `[1,2,3]`, Metadata{}, false},
		{"plain text", `hello world`, Metadata{}, false},
		{"empty", ``, Metadata{}, false},
		{"binary", "\x00\x01{\"meta\"", Metadata{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeMetadata([]byte(tt.input))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMetadataRoundTrip(t *testing.T) {
	want := Metadata{Name: "report (final).pdf", Size: 1 << 40}
	data, err := EncodeMetadata(want)
	require.NoError(t, err)

	got, ok := DecodeMetadata(data)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
