// Package video holds the records exchanged with the code that submits uploaded videos.
package video

import (
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/upos-tools/go-uploader/internal"
)

// ErrNotRegularFile is returned when an upload path points to a directory or a device.
var ErrNotRegularFile = errors.New("not a regular file")

// Video is an uploaded video asset, referenced by its endpoint assigned filename.
type Video struct {
	Title    string `json:"title,omitempty"`
	Filename string `json:"filename"`
	Desc     string `json:"desc"`
}

// File describes a local video file queued for upload.
type File struct {
	Path string
	Name string
	Size int64
}

// Title returns the file name without its extension.
func (f File) Title() string {
	return Stem(f.Name)
}

// Resolver turns upload paths into File descriptions and opens them for reading.
type Resolver struct {
	os internal.OsProxy
}

// NewResolver ...
func NewResolver() Resolver {
	return Resolver{os: internal.RealOS{}}
}

// NewResolverWithOS creates a Resolver on top of a custom OS implementation.
func NewResolverWithOS(osProxy internal.OsProxy) Resolver {
	return Resolver{os: osProxy}
}

// Resolve returns the absolute path, base name and size of the file at pth.
func (r Resolver) Resolve(pth string) (File, error) {
	absPath, err := r.os.Abs(pth)
	if err != nil {
		return File{}, fmt.Errorf("resolve path %s: %w", pth, err)
	}

	info, err := r.os.Stat(absPath)
	if err != nil {
		return File{}, fmt.Errorf("stat video file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%s: %w", absPath, ErrNotRegularFile)
	}

	return File{
		Path: absPath,
		Name: filepath.Base(absPath),
		Size: info.Size(),
	}, nil
}

// Open opens the file for sequential reading.
func (r Resolver) Open(f File) (io.ReadCloser, error) {
	file, err := r.os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	return file, nil
}

// Stem returns the last element of a slash or OS separated path without its extension.
func Stem(p string) string {
	base := path.Base(filepath.ToSlash(p))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		return base
	}
	return stem
}
