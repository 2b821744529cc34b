package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// maxBatchFileBytes caps the unpacked size of an archived batch.
const maxBatchFileBytes int64 = 512 << 20

// ExtractBatchFile unpacks the batch held by a zip archive into destDir and
// returns its path. An archive may carry other files (a readme, a layout
// description) as long as exactly one entry has a batch extension; an
// archive with a single entry yields it whatever its name. The entry is
// written flat under destDir.
func ExtractBatchFile(archive, destDir string) (string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var entries, batches []*zip.File
	for _, f := range r.File {
		base := path.Base(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(base, ".") {
			continue
		}
		entries = append(entries, f)
		if _, ok := extFormats[strings.ToLower(path.Ext(base))]; ok {
			batches = append(batches, f)
		}
	}

	switch {
	case len(entries) == 1:
		return unpackEntry(entries[0], destDir, maxBatchFileBytes)
	case len(batches) == 1:
		return unpackEntry(batches[0], destDir, maxBatchFileBytes)
	case len(entries) == 0:
		return "", eris.New("zip: archive is empty")
	}
	return "", eris.Errorf("zip: want one batch file, archive holds %d", len(batches))
}

func unpackEntry(f *zip.File, destDir string, limit int64) (string, error) {
	name := path.Base(f.Name)
	if name == ".." || name == "/" {
		return "", eris.Errorf("zip: illegal entry name %q", f.Name)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create destination")
	}
	dest := filepath.Join(destDir, name)

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	n, err := io.Copy(out, io.LimitReader(rc, limit+1))
	if err != nil {
		return "", eris.Wrapf(err, "zip: unpack %s", f.Name)
	}
	if n > limit {
		return "", eris.Errorf("zip: %s exceeds %d bytes", f.Name, limit)
	}
	return dest, nil
}
