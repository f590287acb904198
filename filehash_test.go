package mediacache

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestHashReader(t *testing.T) {
	data := []byte("test content for hashing")
	reader := bytes.NewReader(data)

	hash, n, err := HashReader(reader)
	require.NoError(t, err)

	require.Equal(t, int64(len(data)), n)

	expected := HashBytes(data)
	require.Equal(t, expected, hash)
}

func TestHashFile(t *testing.T) {
	data := []byte("file content for hashing")
	path := filepath.Join(t.TempDir(), "media.jpg")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	hash, n, err := HashFile(path)
	require.NoError(t, err)

	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), hash)
}

func TestHashFileMissing(t *testing.T) {
	_, _, err := HashFile(filepath.Join(t.TempDir(), "missing.jpg"))
	require.Error(t, err)
}
