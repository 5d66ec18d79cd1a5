// Package assets opens the media files behind signed links.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAssetNotFound is returned when no file exists for a media/format pair.
var ErrAssetNotFound = errors.New("asset not found")

// OriginalFormat is the format id of the uploaded original.
const OriginalFormat int64 = 0

const defaultContentType = "application/octet-stream"

// Asset is an open media file. Callers must close Reader.
type Asset struct {
	Reader      io.ReadCloser
	Size        int64
	ContentType string
	Name        string
}

// Resolver opens the asset for a media/format pair.
type Resolver interface {
	Open(ctx context.Context, mediaID, formatID int64) (*Asset, error)
	Check(ctx context.Context) error
}

// FormatDir is the directory or key segment for formatID.
func FormatDir(formatID int64) string {
	if formatID == OriginalFormat {
		return "original"
	}
	return strconv.FormatInt(formatID, 10)
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return defaultContentType
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

// FileSystem serves assets laid out as <root>/<media>/<original|format>/<file>.
type FileSystem struct {
	root string
}

// NewFileSystem creates a resolver rooted at root.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// Open returns the first regular file, by name, in the pair's directory.
func (fs *FileSystem) Open(_ context.Context, mediaID, formatID int64) (*Asset, error) {
	if mediaID <= 0 || formatID < 0 {
		return nil, ErrAssetNotFound
	}
	dir := filepath.Join(fs.root, strconv.FormatInt(mediaID, 10), FormatDir(formatID))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to read asset directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open asset: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat asset: %w", err)
		}
		return &Asset{
			Reader:      f,
			Size:        info.Size(),
			ContentType: ContentTypeFor(entry.Name()),
			Name:        entry.Name(),
		}, nil
	}

	return nil, ErrAssetNotFound
}

// Check reports whether the asset root is readable.
func (fs *FileSystem) Check(context.Context) error {
	info, err := os.Stat(fs.root)
	if err != nil {
		return fmt.Errorf("asset root unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("asset root %s is not a directory", fs.root)
	}
	return nil
}
