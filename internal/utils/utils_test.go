package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokensFromString(""))
	assert.Equal(t, 1, EstimateTokensFromString("hi"))
	assert.Equal(t, 1, EstimateTokensFromString("four"))
	assert.Equal(t, 2, EstimateTokensFromString("fives"))
	assert.Equal(t, 25, EstimateTokensFromString(strings.Repeat("a", 100)))
	assert.Equal(t, 25, EstimateTokensFromBytes([]byte(strings.Repeat("a", 100))))
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 42, ParseInteger("42", 7))
	assert.Equal(t, 7, ParseInteger("", 7))
	assert.Equal(t, 7, ParseInteger("nope", 7))

	assert.True(t, ParseBoolean("true", false))
	assert.True(t, ParseBoolean("1", false))
	assert.False(t, ParseBoolean("off", true))
	assert.True(t, ParseBoolean("", true))
	assert.False(t, ParseBoolean("garbage", false))

	assert.Equal(t, []string{"a", "b"}, ParseArray("a, b", nil))
	assert.Equal(t, []string{"x"}, ParseArray("", []string{"x"}))
	assert.Equal(t, []string{"x"}, ParseArray(" , ", []string{"x"}))
}

func TestMachineIDValidation(t *testing.T) {
	valid := strings.Repeat("0123456789abcdef", 4)
	assert.True(t, IsValidMachineID(valid))
	assert.False(t, IsValidMachineID(""))
	assert.False(t, IsValidMachineID(valid[:63]))
	assert.False(t, IsValidMachineID(strings.ToUpper(valid)))
	assert.False(t, IsValidMachineID(strings.Repeat("g", 64)))
}

func TestEnsureMachineIDGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")

	id, err := EnsureMachineID("not-valid", path)
	require.NoError(t, err)
	assert.True(t, IsValidMachineID(id))

	// A second call with no configured value reads the persisted id back.
	again, err := EnsureMachineID("", path)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(data)))
}

func TestEnsureMachineIDKeepsConfiguredValue(t *testing.T) {
	configured := strings.Repeat("ab", 32)
	id, err := EnsureMachineID(configured, filepath.Join(t.TempDir(), "machine-id"))
	require.NoError(t, err)
	assert.Equal(t, configured, id)
}

func TestBufferPoolRoundTrip(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("hello")
	PutBuffer(buf)

	buf2 := GetBuffer()
	assert.Zero(t, buf2.Len(), "pooled buffers come back reset")
	PutBuffer(buf2)
}

func TestDecompressResponsePassThrough(t *testing.T) {
	data := []byte("plain body")

	out, err := DecompressResponse("", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// Unknown encodings fall back to the original bytes.
	out, err = DecompressResponse("snappy", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
