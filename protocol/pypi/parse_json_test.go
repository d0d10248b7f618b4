package pypi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	doc := `{
  "meta": {"api-version": "1.1"},
  "name": "demo",
  "files": [
    {
      "filename": "demo-1.0-py3-none-any.whl",
      "url": "https://files.example/demo-1.0-py3-none-any.whl",
      "hashes": {"sha256": "abc", "MD5": "m", "crc32": "dropped"},
      "requires-python": ">=3.8",
      "size": 1234,
      "upload-time": "2024-01-02T03:04:05.123456Z",
      "yanked": false,
      "core-metadata": {"sha256": "def"}
    },
    {
      "filename": "demo-0.9.tar.gz",
      "url": "../../files/demo-0.9.tar.gz",
      "hashes": {},
      "yanked": "broken build",
      "dist-info-metadata": true
    },
    {
      "filename": "demo-0.8.tar.gz",
      "url": "https://files.example/demo-0.8.tar.gz",
      "hashes": {"sha256": "old"},
      "yanked": true,
      "upload-time": "not a date",
      "data-dist-info-metadata": false
    },
    {
      "filename": "demo-1.0-py3-none-any.whl",
      "url": "https://elsewhere.example/demo-1.0-py3-none-any.whl",
      "hashes": {}
    }
  ]
}`

	files, err := ParseJSON([]byte(doc), "https://upstream.example/simple/demo/")
	require.NoError(t, err)
	require.Len(t, files, 3)

	wheel := files[0]
	assert.Equal(t, "https://files.example/demo-1.0-py3-none-any.whl", wheel.URL, "first duplicate wins")
	assert.Equal(t, []Hash{{Kind: "md5", Value: "m"}, {Kind: "sha256", Value: "abc"}}, wheel.Hashes)
	require.NotNil(t, wheel.Version)
	assert.Equal(t, "1.0", *wheel.Version)
	assert.Equal(t, ">=3.8", *wheel.RequiresPython)
	assert.EqualValues(t, 1234, *wheel.Size)
	require.NotNil(t, wheel.UploadTime)
	assert.True(t, wheel.UploadTime.Equal(time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC)))
	assert.False(t, wheel.Yanked)
	require.NotNil(t, wheel.Metadata)
	assert.Equal(t, "demo-1.0-py3-none-any.whl.metadata", wheel.Metadata.Filename)
	assert.Equal(t, []Hash{{Kind: "sha256", Value: "def"}}, wheel.Metadata.Hashes)

	sdist := files[1]
	assert.Equal(t, "https://upstream.example/files/demo-0.9.tar.gz", sdist.URL)
	assert.Empty(t, sdist.Hashes)
	assert.True(t, sdist.Yanked)
	assert.Equal(t, "broken build", *sdist.YankedReason)
	require.NotNil(t, sdist.Metadata)
	assert.Empty(t, sdist.Metadata.Hashes)
	assert.Nil(t, sdist.Size)

	old := files[2]
	assert.True(t, old.Yanked)
	assert.Nil(t, old.YankedReason)
	assert.Nil(t, old.UploadTime)
	assert.Nil(t, old.Metadata)
}

func TestParseJSON_Invalid(t *testing.T) {
	_, err := ParseJSON([]byte(`{"files": [`), "https://upstream.example/simple/demo/")
	require.ErrorIs(t, err, ErrIndexParsing)
}

func TestParseJSON_NoFiles(t *testing.T) {
	files, err := ParseJSON([]byte(`{"meta": {"api-version": "1.0"}, "name": "demo"}`), "https://upstream.example/simple/demo/")
	require.NoError(t, err)
	require.Empty(t, files)
}
