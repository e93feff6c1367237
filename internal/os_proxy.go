package internal

import (
	"os"
	"path/filepath"
)

// OsProxy defines the subset of os package functions the uploader touches.
// Add more methods as you need them.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Abs(path string) (string, error)
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }     //nolint:revive
func (RealOS) Open(name string) (*os.File, error)    { return os.Open(name) }     //nolint:revive
func (RealOS) Abs(path string) (string, error)       { return filepath.Abs(path) } //nolint:revive
