// Package diskstore is the persistent tier: a size-bounded LRU of encoded
// entries in one directory, indexed by an append-only journal.
//
// A write goes through an Editor. Edit records "DIRTY key" and opens a
// temporary file; Commit renames it into place and records
// "CLEAN key size"; Abort deletes it. Removals and evictions record
// "REMOVE key". Opening a directory replays the journal, drops entries
// whose files are missing or have the wrong size, and deletes leftover
// temporary files.
package diskstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"

	"github.com/lucasew/imagecache/internal/errutil"
	"github.com/lucasew/imagecache/internal/eviction"
	_ "github.com/lucasew/imagecache/internal/eviction/lru"
	"github.com/lucasew/imagecache/internal/eviction/policy"
	"github.com/lucasew/imagecache/internal/eviction/policy/maxsize"
	"github.com/lucasew/imagecache/internal/eviction/policy/minfree"
	"github.com/lucasew/imagecache/internal/hashutil"
	"github.com/lucasew/imagecache/internal/repository"
)

const (
	// DefaultCompactThreshold is the number of superseded journal records
	// tolerated before the journal is rewritten.
	DefaultCompactThreshold = 2000

	tmpSuffix = ".tmp"
)

var (
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New(errors.CodeUnavailable, "disk store closed")

	// ErrEditInProgress is returned by Edit while another editor holds the key.
	ErrEditInProgress = errors.New(errors.CodeConflict, "edit in progress")

	// ErrEditorDone is returned when committing an editor twice.
	ErrEditorDone = errors.New(errors.CodeConflict, "editor already committed or aborted")

	// ErrInvalidKey is returned for keys that cannot be written to the
	// journal: empty keys and keys containing whitespace or control characters.
	ErrInvalidKey = errors.New(errors.CodeInvalidInput, "invalid cache key")
)

// Options configures Open.
type Options struct {
	// FS defaults to the local filesystem.
	FS core.FS
	// Directory holds the journal and the entry files. It is created if missing.
	Directory string
	// AppVersion is written to the journal header. Opening a journal
	// written under another version discards every entry.
	AppVersion int
	// MaxBytes bounds the total size of committed entries. Zero means unbounded.
	MaxBytes int64
	// MinFreeBytes evicts entries while the filesystem has less free space
	// than this. Only honored on the local filesystem.
	MinFreeBytes int64
	// Strategy names a registered eviction strategy. Defaults to "lru".
	Strategy string
	// Hash names the hashutil algorithm that maps keys to file names.
	// Defaults to "sha256".
	Hash string
	// CompactThreshold defaults to DefaultCompactThreshold.
	CompactThreshold int
	// EvictionInterval is the period of Manager().Start.
	EvictionInterval time.Duration
	// OnEvict runs, with the store lock held, for each entry evicted for space.
	OnEvict func(key string, size int64)
}

func (o *Options) setDefaults() {
	if o.FS == nil {
		o.FS = billy.NewLocal()
	}
	if o.Strategy == "" {
		o.Strategy = "lru"
	}
	if o.Hash == "" {
		o.Hash = "sha256"
	}
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = DefaultCompactThreshold
	}
}

type entry struct {
	key      string
	name     string
	size     int64
	readable bool
	editor   *Editor

	// replay bookkeeping
	dirty bool
	seq   int
}

// Store is a journaled LRU directory. File bodies are read and written
// outside the store lock; the lock covers the index and the journal.
type Store struct {
	mu      sync.Mutex
	fsys    core.FS
	dir     string
	opts    Options
	nameLen int

	entries map[string]*entry
	mgr     *eviction.Manager
	journal core.File
	records int
	closed  bool

	evictions atomic.Uint64
}

var _ repository.Persistent[[]byte] = (*Store)(nil)

// Open opens or creates the store in opts.Directory. A journal that cannot
// be read is not an error: the store deletes its files and starts empty.
// Failing to create the directory is.
func Open(opts Options) (*Store, error) {
	opts.setDefaults()
	if opts.Directory == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "disk cache directory is required")
	}
	h, err := hashutil.GetHasher(opts.Hash)
	if err != nil {
		return nil, err
	}
	strategy, err := eviction.GetStrategy(opts.Strategy)
	if err != nil {
		return nil, err
	}

	if err := opts.FS.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "create cache directory %s", opts.Directory)
	}
	info, err := opts.FS.Stat(opts.Directory)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "stat cache directory %s", opts.Directory)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.CodeUnavailable, "cache directory %s is not a directory", opts.Directory)
	}

	var policies []policy.Policy
	if opts.MaxBytes > 0 {
		policies = append(policies, &maxsize.Policy{MaxBytes: opts.MaxBytes})
	}
	if opts.MinFreeBytes > 0 {
		if opts.FS.Type() == core.FSTypeLocal {
			policies = append(policies, &minfree.Policy{Path: opts.Directory, MinFreeBytes: opts.MinFreeBytes})
		} else {
			slog.Warn("Ignoring minimum free space on non-local filesystem", "fs", opts.FS.Type())
		}
	}

	s := &Store{
		fsys:    opts.FS,
		dir:     opts.Directory,
		opts:    opts,
		nameLen: h.Size() * 2,
		entries: make(map[string]*entry),
		mgr:     eviction.NewManager(policies, opts.EvictionInterval, strategy),
	}
	s.mgr.SetStore(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	slog.Debug("Opened disk cache", "dir", s.dir, "entries", len(s.entries), "size", s.mgr.Size())
	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) load() error {
	r, err := s.readJournal()
	if err != nil {
		slog.Warn("Discarding unreadable disk cache", "dir", s.dir, "error", err)
		if err := s.wipe(); err != nil {
			return errors.Wrapf(err, errors.CodeUnavailable, "wipe cache directory %s", s.dir)
		}
		r = &replay{entries: make(map[string]*entry), rewrite: true}
	}

	if dropped := s.restore(r); dropped > 0 {
		slog.Info("Dropped disk cache entries with missing files", "dir", s.dir, "count", dropped)
		r.rewrite = true
	}
	s.removeStrays()

	s.records = r.records
	if r.rewrite || s.shouldCompact() {
		if err := s.rebuildJournal(); err != nil {
			return err
		}
	} else if err := s.openJournal(); err != nil {
		return err
	}
	s.trim()
	return nil
}

func (s *Store) readJournal() (*replay, error) {
	data, err := s.fsys.ReadFile(s.path(journalFile))
	if errors.Is(err, fs.ErrNotExist) {
		// A rebuild can die between moving the old journal aside and
		// moving the new one in.
		data, err = s.fsys.ReadFile(s.path(journalBackupFile))
		if errors.Is(err, fs.ErrNotExist) {
			return &replay{entries: make(map[string]*entry), rewrite: true}, nil
		}
		if err == nil {
			r, err := readJournal(data, s.opts.AppVersion)
			if r != nil {
				r.rewrite = true
			}
			return r, err
		}
	}
	if err != nil {
		return nil, err
	}
	return readJournal(data, s.opts.AppVersion)
}

// restore installs replayed entries whose files check out, oldest first,
// and returns how many were dropped.
func (s *Store) restore(r *replay) int {
	live := make([]*entry, 0, len(r.entries))
	dropped := 0
	for key, e := range r.entries {
		name, err := hashutil.KeyName(s.opts.Hash, key)
		if err != nil {
			errutil.ReportError(err, "Failed to name cache entry", "key", key)
			dropped++
			continue
		}
		e.name = name
		e.dirty = false
		if !e.readable {
			continue
		}
		info, err := s.fsys.Stat(s.path(name))
		if err != nil || info.Size() != e.size {
			slog.Debug("Dropping disk cache entry", "key", key, "expected_size", e.size)
			errutil.LogMsg(s.removeFile(name), "Failed to remove mismatched cache file", "key", key)
			dropped++
			continue
		}
		live = append(live, e)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	for _, e := range live {
		s.entries[e.key] = e
		s.mgr.Add(e.key, e.size)
	}
	return dropped
}

// owned reports whether a directory entry is a file this store may create.
func (s *Store) owned(name string) bool {
	switch name {
	case journalFile, journalTmpFile, journalBackupFile:
		return true
	}
	name = strings.TrimSuffix(name, tmpSuffix)
	if len(name) != s.nameLen {
		return false
	}
	return strings.Trim(name, "0123456789abcdef") == ""
}

// removeStrays deletes temporary files and entry files the index does not
// reference. Files the store could not have created are left alone.
func (s *Store) removeStrays() {
	dirents, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		errutil.LogMsg(err, "Failed to list cache directory", "dir", s.dir)
		return
	}
	keep := make(map[string]bool, len(s.entries)+1)
	keep[journalFile] = true
	for _, e := range s.entries {
		keep[e.name] = true
	}
	for _, d := range dirents {
		if d.IsDir() || keep[d.Name()] || !s.owned(d.Name()) {
			continue
		}
		errutil.LogMsg(s.removeFile(d.Name()), "Failed to remove stray cache file", "name", d.Name())
	}
}

// wipe deletes every file the store owns.
func (s *Store) wipe() error {
	dirents, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, d := range dirents {
		if d.IsDir() || !s.owned(d.Name()) {
			continue
		}
		if err := s.removeFile(d.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeFile(name string) error {
	err := s.fsys.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) openJournal() error {
	f, err := s.fsys.OpenFile(s.path(journalFile), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "open journal")
	}
	s.journal = f
	return nil
}

// rebuildJournal replaces the journal with a compact one describing the
// current index. The new journal is written aside and renamed into place;
// the old one is kept as a backup until the rename succeeds.
func (s *Store) rebuildJournal() error {
	if s.journal != nil {
		errutil.Close(s.journal, "Failed to close journal")
		s.journal = nil
	}

	readable := make([]*entry, 0, len(s.entries))
	for _, v := range s.mgr.Order() {
		if e, ok := s.entries[v.Key]; ok && e.readable {
			readable = append(readable, e)
		}
	}
	var editing []*entry
	for _, e := range s.entries {
		if e.editor != nil {
			editing = append(editing, e)
		}
	}

	tmp, err := s.fsys.Create(s.path(journalTmpFile))
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "create journal")
	}
	n, err := writeJournal(tmp, s.opts.AppVersion, readable, editing)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "write journal")
	}

	if ok, _ := s.fsys.Exists(s.path(journalFile)); ok {
		if err := s.fsys.Rename(s.path(journalFile), s.path(journalBackupFile)); err != nil {
			return errors.Wrap(err, errors.CodeUnavailable, "back up journal")
		}
	}
	if err := s.fsys.Rename(s.path(journalTmpFile), s.path(journalFile)); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "install journal")
	}
	errutil.LogMsg(s.removeFile(journalBackupFile), "Failed to remove journal backup")

	s.records = n
	return s.openJournal()
}

func (s *Store) shouldCompact() bool {
	redundant := s.records - len(s.entries)
	return redundant >= s.opts.CompactThreshold && redundant >= 2*len(s.entries)
}

func (s *Store) compactIfNeeded() {
	if s.shouldCompact() {
		slog.Debug("Compacting journal", "dir", s.dir, "records", s.records, "entries", len(s.entries))
		errutil.ReportError(s.rebuildJournal(), "Failed to compact journal", "dir", s.dir)
	}
}

func (s *Store) appendRecord(fields ...any) error {
	if s.journal == nil {
		return errors.New(errors.CodeUnavailable, "journal is not open")
	}
	if _, err := fmt.Fprintln(s.journal, fields...); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "append journal record")
	}
	s.records++
	return nil
}

func syncFile(f core.File) error {
	if syncer, ok := f.(core.Syncer); ok {
		return syncer.Sync()
	}
	return nil
}

// ValidateKey reports whether key can be stored. Keys end up on journal
// lines, so they must be non-empty and free of whitespace and control
// characters.
func ValidateKey(key string) error {
	bad := func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }
	if key == "" || strings.IndexFunc(key, bad) >= 0 {
		return errors.Wrapf(ErrInvalidKey, errors.CodeInvalidInput, "key %q", key)
	}
	return nil
}

// Snapshot is a committed entry opened for reading. Its content stays
// readable even if the entry is replaced or removed before Close.
type Snapshot struct {
	Key  string
	Size int64
	f    fs.File
}

func (sn *Snapshot) Read(p []byte) (int, error) { return sn.f.Read(p) }
func (sn *Snapshot) Close() error               { return sn.f.Close() }

// Snapshot opens the committed value of key and marks it recently used.
// It returns repository.ErrNotFound when there is none, including when the
// file was deleted behind the store's back.
func (s *Store) Snapshot(key string) (*Snapshot, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		return nil, repository.ErrNotFound
	}
	f, err := s.fsys.Open(s.path(e.name))
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Disk cache file vanished", "key", key)
		errutil.LogMsg(s.removeEntry(e), "Failed to drop vanished cache entry", "key", key)
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "open cache entry %q", key)
	}
	s.mgr.Touch(key)
	return &Snapshot{Key: key, Size: e.size, f: f}, nil
}

// Get reads the committed value of key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(key)
	if err != nil {
		return nil, err
	}
	defer errutil.Close(snap, "Failed to close cache entry", "key", key)

	data, err := io.ReadAll(snap)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "read cache entry %q", key)
	}
	if int64(len(data)) != snap.Size {
		slog.Warn("Disk cache file has unexpected size", "key", key, "expected", snap.Size, "actual", len(data))
		errutil.LogMsg(s.Remove(ctx, key), "Failed to drop truncated cache entry", "key", key)
		return nil, repository.ErrNotFound
	}
	return data, nil
}

// Put writes value for key through an Editor.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	ed, err := s.Edit(key)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(ed.Abort(), "Failed to abort cache write", "key", key)
	}()

	if _, err := ed.Write(value); err != nil {
		return errors.Wrapf(err, errors.CodeUnavailable, "write cache entry %q", key)
	}
	return ed.Commit()
}

// Edit starts a write of key. Only one editor per key may be live; the
// previous committed value stays readable until Commit.
func (s *Store) Edit(key string) (*Editor, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entries[key]
	if ok && e.editor != nil {
		return nil, errors.Wrapf(ErrEditInProgress, errors.CodeConflict, "key %q", key)
	}
	if !ok {
		name, err := hashutil.KeyName(s.opts.Hash, key)
		if err != nil {
			return nil, err
		}
		e = &entry{key: key, name: name}
	}

	f, err := s.fsys.Create(s.path(e.name + tmpSuffix))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "create temporary file for %q", key)
	}
	if err := s.appendRecord(opDirty, key); err != nil {
		errutil.Close(f, "Failed to close temporary file", "key", key)
		errutil.LogMsg(s.removeFile(e.name+tmpSuffix), "Failed to remove temporary file", "key", key)
		return nil, err
	}

	ed := &Editor{s: s, e: e, f: f}
	e.editor = ed
	s.entries[key] = e
	return ed, nil
}

// Remove deletes the committed value of key. An editor in flight for key
// is not affected.
func (s *Store) Remove(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.entries[key]
	if !ok || !e.readable {
		return nil
	}
	if err := s.removeEntry(e); err != nil {
		return err
	}
	s.compactIfNeeded()
	return nil
}

func (s *Store) removeEntry(e *entry) error {
	err := s.removeFile(e.name)
	s.mgr.Forget(e.key)
	e.readable = false
	e.size = 0
	if e.editor == nil {
		delete(s.entries, e.key)
	}
	if jerr := s.appendRecord(opRemove, e.key); err == nil {
		err = jerr
	}
	return err
}

// Clear deletes every committed entry and rewrites the journal.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for key, e := range s.entries {
		if e.readable {
			errutil.LogMsg(s.removeFile(e.name), "Failed to remove cache file", "key", key)
			e.readable = false
			e.size = 0
		}
		if e.editor == nil {
			delete(s.entries, key)
		}
	}
	s.mgr.Reset()
	slog.Info("Cleared disk cache", "dir", s.dir)
	return s.rebuildJournal()
}

// Trim evicts least recently used entries until every eviction policy is
// satisfied. Commits trim on their own; Trim is for policies that depend
// on the outside world, like free disk space.
func (s *Store) Trim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.trim()
	s.compactIfNeeded()
	return nil
}

func (s *Store) trim() {
	for _, victim := range s.mgr.Victims() {
		e, ok := s.entries[victim.Key]
		if !ok || !e.readable {
			s.mgr.Forget(victim.Key)
			continue
		}
		slog.Debug("Evicting disk cache entry", "key", e.key, "size", e.size)
		size := e.size
		errutil.LogMsg(s.removeEntry(e), "Failed to evict cache entry", "key", e.key)
		s.evictions.Add(1)
		if s.opts.OnEvict != nil {
			s.opts.OnEvict(victim.Key, size)
		}
	}
}

// Flush trims the store and forces the journal to stable storage.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.trim()
	if err := syncFile(s.journal); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "sync journal")
	}
	return nil
}

// Close aborts live editors, flushes the journal and releases it. Closing
// twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	for _, e := range s.entries {
		if e.editor != nil {
			e.editor.closedByStore = true
			s.abort(e.editor)
		}
	}
	s.trim()

	var err error
	if s.journal != nil {
		err = syncFile(s.journal)
		if closeErr := s.journal.Close(); err == nil {
			err = closeErr
		}
		s.journal = nil
	}
	s.closed = true
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "close journal")
	}
	return nil
}

// Size is the total size of committed entries.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr.Size()
}

// Len is the number of committed entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.readable {
			n++
		}
	}
	return n
}

// Keys lists committed keys from least to most recently used.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.mgr.Order()
	keys := make([]string, len(order))
	for i, v := range order {
		keys[i] = v.Key
	}
	return keys
}

// Capacity is the MaxBytes bound, or -1 when unbounded.
func (s *Store) Capacity() int64 { return s.mgr.Capacity() }

func (s *Store) EvictionCount() uint64 { return s.evictions.Load() }

func (s *Store) Dir() string { return s.dir }

// Manager exposes the eviction manager so callers can run periodic trims
// with Manager().Start.
func (s *Store) Manager() *eviction.Manager { return s.mgr }
