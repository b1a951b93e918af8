package diskstore

import (
	"log/slog"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/core"

	"github.com/lucasew/imagecache/internal/errutil"
)

// Editor is the write side of one entry. Bytes written to it become
// visible only after Commit. It is not safe for concurrent use.
type Editor struct {
	s *Store
	e *entry
	f core.File

	written  int64
	writeErr error

	// guarded by s.mu
	done          bool
	fileClosed    bool
	closedByStore bool
}

// Key returns the key being written.
func (ed *Editor) Key() string { return ed.e.key }

func (ed *Editor) Write(p []byte) (int, error) {
	n, err := ed.f.Write(p)
	ed.written += int64(n)
	if err != nil && ed.writeErr == nil {
		ed.writeErr = err
	}
	return n, err
}

// Commit publishes the written bytes as the value of the key. An entry
// larger than the store's capacity is discarded without error and the
// previous value of the key is removed with it.
func (ed *Editor) Commit() error {
	s := ed.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if ed.done {
		if ed.closedByStore {
			errutil.LogMsg(ed.closeFile(), "Failed to close temporary file", "key", ed.e.key)
			return ErrClosed
		}
		return ErrEditorDone
	}
	ed.done = true

	err := ed.writeErr
	if err == nil {
		err = syncFile(ed.f)
	}
	if closeErr := ed.closeFile(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.abort(ed)
		return errors.Wrapf(err, errors.CodeUnavailable, "write cache entry %q", ed.e.key)
	}

	e := ed.e
	if !s.mgr.Fits(ed.written) {
		slog.Debug("Entry larger than disk capacity", "key", e.key, "size", ed.written, "capacity", s.mgr.Capacity())
		s.abort(ed)
		if e.readable {
			errutil.LogMsg(s.removeEntry(e), "Failed to remove replaced cache entry", "key", e.key)
		}
		return nil
	}

	if err := s.fsys.Rename(s.path(e.name+tmpSuffix), s.path(e.name)); err != nil {
		s.abort(ed)
		return errors.Wrapf(err, errors.CodeUnavailable, "commit cache entry %q", e.key)
	}

	e.editor = nil
	e.readable = true
	e.size = ed.written
	s.mgr.Add(e.key, e.size)
	err = s.appendRecord(opClean, e.key, e.size)

	s.trim()
	s.compactIfNeeded()
	return err
}

// Abort discards the written bytes. It is a no-op after Commit, so it can
// be deferred right after Edit.
func (ed *Editor) Abort() error {
	s := ed.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if ed.done {
		if ed.closedByStore {
			return ed.closeFile()
		}
		return nil
	}
	s.abort(ed)
	return nil
}

// abort releases the key. A previous value stays readable and needs no
// record: replay ignores a DIRTY that is never followed by CLEAN. Without
// one the key is journaled as REMOVE.
func (s *Store) abort(ed *Editor) {
	ed.done = true
	if !ed.closedByStore {
		errutil.LogMsg(ed.closeFile(), "Failed to close temporary file", "key", ed.e.key)
	}
	errutil.LogMsg(s.removeFile(ed.e.name+tmpSuffix), "Failed to remove temporary file", "key", ed.e.key)

	e := ed.e
	e.editor = nil
	if e.readable {
		return
	}
	delete(s.entries, e.key)
	errutil.LogMsg(s.appendRecord(opRemove, e.key), "Failed to journal aborted write", "key", e.key)
}

func (ed *Editor) closeFile() error {
	if ed.fileClosed {
		return nil
	}
	ed.fileClosed = true
	return ed.f.Close()
}
