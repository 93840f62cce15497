package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConf(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.conf")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestMakeConfMapFromFile(t *testing.T) {
	path := writeTempConf(t, "; comment\n[IMAGEIOD]\nHTTPServerPort: 54322\nEnableTLSv1_1: false\nCACertFilePaths: /a.pem, /b.pem\n")

	confMap, err := MakeConfMapFromFile(path)
	require.NoError(t, err)

	port, err := confMap.FetchOptionValueUint16("IMAGEIOD", "HTTPServerPort")
	require.NoError(t, err)
	assert.Equal(t, uint16(54322), port)

	enabled, err := confMap.FetchOptionValueBool("IMAGEIOD", "EnableTLSv1_1")
	require.NoError(t, err)
	assert.False(t, enabled)

	paths, err := confMap.FetchOptionValueStringSlice("IMAGEIOD", "CACertFilePaths")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.pem", "/b.pem"}, paths)
}

func TestUpdateFromStringsOverridesFile(t *testing.T) {
	path := writeTempConf(t, "[IMAGEIOD]\nHTTPServerPort: 54322\n")
	confMap, err := MakeConfMapFromFile(path)
	require.NoError(t, err)

	require.NoError(t, confMap.UpdateFromStrings([]string{"IMAGEIOD.HTTPServerPort=9999"}))

	port, err := confMap.FetchOptionValueUint16("IMAGEIOD", "HTTPServerPort")
	require.NoError(t, err)
	assert.Equal(t, uint16(9999), port)
}

func TestFetchOptionValueStringMissing(t *testing.T) {
	confMap := ConfMap{}
	_, err := confMap.FetchOptionValueString("IMAGEIOD", "Nope")
	assert.Error(t, err)
}

func TestVerifyOptionIsMissing(t *testing.T) {
	confMap := ConfMap{"IMAGEIOD": {"Foo": "bar"}}
	assert.NoError(t, confMap.VerifyOptionIsMissing("IMAGEIOD", "Baz"))
	assert.Error(t, confMap.VerifyOptionIsMissing("IMAGEIOD", "Foo"))
}
