package fetcher

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return writeFile(t, "batch.zip", buf.Bytes())
}

func TestExtractBatchFile(t *testing.T) {
	archive := createTestZIP(t, map[string]string{
		"2025-03/기관목록.csv":           "code,name\n",
		"2025-03/README.txt.md":      "컬럼 설명",
		"__MACOSX/2025-03/._기관목록.csv": "junk",
		"2025-03/.DS_Store":          "junk",
	})

	dest := t.TempDir()
	got, err := ExtractBatchFile(archive, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "기관목록.csv"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "code,name\n", string(data))
}

func TestExtractBatchFile_SingleUnknownEntry(t *testing.T) {
	archive := createTestZIP(t, map[string]string{"export.dat": "x"})

	got, err := ExtractBatchFile(archive, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "export.dat", filepath.Base(got))
}

func TestExtractBatchFile_Ambiguous(t *testing.T) {
	archive := createTestZIP(t, map[string]string{
		"seoul.csv": "1",
		"busan.csv": "2",
	})
	_, err := ExtractBatchFile(archive, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want one batch file, archive holds 2")
}

func TestExtractBatchFile_Empty(t *testing.T) {
	archive := createTestZIP(t, map[string]string{"__MACOSX/._x": "junk"})
	_, err := ExtractBatchFile(archive, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive is empty")
}

func TestExtractBatchFile_StaysInDestination(t *testing.T) {
	archive := createTestZIP(t, map[string]string{"../../escape.csv": "x"})

	dest := t.TempDir()
	got, err := ExtractBatchFile(archive, dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "escape.csv"), got)
}

func TestExtractBatchFile_NotAZip(t *testing.T) {
	path := writeFile(t, "plain.zip", []byte("not a zip"))
	_, err := ExtractBatchFile(path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip: open archive")
}

func TestUnpackEntry_SizeLimit(t *testing.T) {
	archive := createTestZIP(t, map[string]string{"big.csv": "0123456789"})
	r, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	_, err = unpackEntry(r.File[0], t.TempDir(), 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 4 bytes")
}
