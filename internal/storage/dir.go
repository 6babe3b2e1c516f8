// Package storage lays a torrent's files out under a root directory and
// exposes them as one flat address space, the way the piece table
// addresses bytes.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"gobt/internal/metainfo"
)

type segment struct {
	f      *os.File
	start  int64 // absolute offset of the segment's first byte
	length int64
}

// Dir is a torrent file set opened for random access. A write at an
// absolute offset may span file boundaries; Dir splits it.
type Dir struct {
	segments []segment
	total    int64
}

// Create opens (and truncates to size) every file of the descriptor under
// root, creating directories as needed. Paths that escape root are
// rejected.
func Create(root string, files []metainfo.File) (*Dir, error) {
	d := &Dir{}
	var off int64
	for _, file := range files {
		rel := filepath.FromSlash(file.Path)
		if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
			d.Close()
			return nil, fmt.Errorf("unsafe file path %q", file.Path)
		}
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			d.Close()
			return nil, fmt.Errorf("creating directories for %s: %w", file.Path, err)
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("opening %s: %w", file.Path, err)
		}
		if err := f.Truncate(file.Length); err != nil {
			f.Close()
			d.Close()
			return nil, fmt.Errorf("sizing %s: %w", file.Path, err)
		}
		d.segments = append(d.segments, segment{f: f, start: off, length: file.Length})
		off += file.Length
	}
	d.total = off
	return d, nil
}

// WriteAt writes p at the absolute offset off, spanning file boundaries
// as needed.
func (d *Dir) WriteAt(p []byte, off int64) (int, error) {
	return d.do(p, off, func(s segment, chunk []byte, at int64) (int, error) {
		return s.f.WriteAt(chunk, at)
	})
}

// ReadAt reads into p from the absolute offset off.
func (d *Dir) ReadAt(p []byte, off int64) (int, error) {
	return d.do(p, off, func(s segment, chunk []byte, at int64) (int, error) {
		return s.f.ReadAt(chunk, at)
	})
}

func (d *Dir) do(p []byte, off int64, op func(segment, []byte, int64) (int, error)) (int, error) {
	if off < 0 || off+int64(len(p)) > d.total {
		return 0, fmt.Errorf("range [%d, %d) outside torrent of %d bytes: %w",
			off, off+int64(len(p)), d.total, io.ErrUnexpectedEOF)
	}
	done := 0
	for done < len(p) {
		s, ok := d.segmentAt(off)
		if !ok {
			return done, io.ErrUnexpectedEOF
		}
		within := off - s.start
		chunk := int64(len(p) - done)
		if room := s.length - within; chunk > room {
			chunk = room
		}
		n, err := op(s, p[done:done+int(chunk)], within)
		done += n
		off += int64(n)
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (d *Dir) segmentAt(off int64) (segment, bool) {
	for _, s := range d.segments {
		if off >= s.start && off < s.start+s.length {
			return s, true
		}
	}
	return segment{}, false
}

// Size returns the total length of the file set.
func (d *Dir) Size() int64 { return d.total }

// Close closes every file, combining any errors.
func (d *Dir) Close() error {
	var err error
	for _, s := range d.segments {
		err = multierr.Append(err, s.f.Close())
	}
	d.segments = nil
	return err
}
