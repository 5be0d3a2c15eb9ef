package project

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	// maxFileBytes caps a single extracted file. Projects sent to Ponya are
	// source trees, not media archives.
	maxFileBytes = 1 << 20 // 1 MB

	// maxArchiveFiles caps the number of entries accepted from one archive.
	maxArchiveFiles = 2000
)

// skipDirs are archive directories never extracted into the tree.
var skipDirs = []string{"node_modules/", ".git/", "dist/", "build/", "__MACOSX/"}

// FromZip builds a Tree from a zip archive. Entries escaping the archive
// root, oversized files, and dependency/build directories are skipped.
// A single top-level wrapper directory (the usual "unzip a folder" layout)
// is flattened away.
func FromZip(data []byte) (*Tree, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if len(reader.File) > maxArchiveFiles {
		return nil, fmt.Errorf("archive has %d entries, limit is %d", len(reader.File), maxArchiveFiles)
	}

	prefix := commonRoot(reader.File)

	tree := NewTree()
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(strings.TrimPrefix(f.Name, prefix))
		if name == "." || strings.HasPrefix(name, "..") || path.IsAbs(name) {
			continue // Entry escapes the archive root.
		}
		if skippable(name) {
			continue
		}
		if f.UncompressedSize64 > maxFileBytes {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading archive entry %s: %w", f.Name, err)
		}
		if len(content) > maxFileBytes {
			continue
		}
		tree.Put(name, string(content))
	}

	if tree.FileCount() == 0 {
		return nil, fmt.Errorf("archive contains no usable files")
	}
	return tree, nil
}

// commonRoot returns the single top-level directory shared by every entry,
// or "" when there is none.
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := strings.TrimPrefix(f.Name, "./")
		idx := strings.Index(name, "/")
		if idx < 0 {
			return "" // Top-level file — nothing to flatten.
		}
		top := name[:idx+1]
		if root == "" {
			root = top
		} else if root != top {
			return ""
		}
	}
	return root
}

func skippable(name string) bool {
	for _, dir := range skipDirs {
		if strings.HasPrefix(name, dir) || strings.Contains(name, "/"+dir) {
			return true
		}
	}
	return false
}
