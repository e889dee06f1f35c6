package wasifs

import (
	"io/fs"
)

// readOnlyFS wraps a filesystem so guests can only ever read. fs.FS has no
// write surface, but the wrapper also hides optional interfaces (Chmod,
// rename-capable extensions) a backing implementation might expose, so the
// wasm runtime reports permission denied for any mutation.
type readOnlyFS struct {
	inner fs.FS
}

// NewReadOnlyFS wraps inner so only read operations reach it.
func NewReadOnlyFS(inner fs.FS) fs.FS {
	return &readOnlyFS{inner: inner}
}

// Open implements fs.FS.
func (r *readOnlyFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	f, err := r.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &readOnlyFile{File: f}, nil
}

// ReadDir implements fs.ReadDirFS so directory listings stay cheap.
func (r *readOnlyFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return fs.ReadDir(r.inner, name)
}

// Stat implements fs.StatFS.
func (r *readOnlyFS) Stat(name string) (fs.FileInfo, error) {
	return fs.Stat(r.inner, name)
}

// readOnlyFile hides any write methods of the wrapped file.
type readOnlyFile struct {
	fs.File
}

// ReadDir lets directory handles list their entries.
func (f *readOnlyFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if rd, ok := f.File.(fs.ReadDirFile); ok {
		return rd.ReadDir(n)
	}
	return nil, &fs.PathError{Op: "readdir", Path: "", Err: fs.ErrInvalid}
}
