package diskstore

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
)

const (
	// No other owned name may start with journalFile: memfs renames every
	// path sharing the source prefix.
	journalFile       = "journal"
	journalTmpFile    = "new.journal"
	journalBackupFile = "old.journal"

	journalMagic   = "imagecache.journal"
	journalVersion = "1"

	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRemove = "REMOVE"
)

var errCorruptJournal = errors.New(errors.CodeSchemaFailed, "corrupt journal")

// replay is the index rebuilt from a journal.
type replay struct {
	entries map[string]*entry
	// records is the number of operation lines read.
	records int
	// rewrite is set when the journal on disk should not be appended to,
	// e.g. because its last line was cut short.
	rewrite bool
}

// readJournal parses a journal written for appVersion. A torn final line
// is dropped; any other malformed line or a header mismatch fails the
// whole journal.
func readJournal(data []byte, appVersion int) (*replay, error) {
	lines := strings.Split(string(data), "\n")
	r := &replay{entries: make(map[string]*entry)}

	if last := lines[len(lines)-1]; last != "" {
		r.rewrite = true
	}
	lines = lines[:len(lines)-1]

	header := []string{journalMagic, journalVersion, strconv.Itoa(appVersion), ""}
	if len(lines) < len(header) {
		return nil, errors.Wrap(errCorruptJournal, errors.CodeSchemaFailed, "journal header is truncated")
	}
	for i, want := range header {
		if lines[i] != want {
			return nil, errors.Wrapf(errCorruptJournal, errors.CodeSchemaFailed,
				"unexpected journal header line %d: %q", i+1, lines[i])
		}
	}

	for i, line := range lines[len(header):] {
		if err := r.apply(line, i); err != nil {
			return nil, errors.Wrapf(err, errors.CodeSchemaFailed, "journal line %d", i+len(header)+1)
		}
	}
	return r, nil
}

func (r *replay) apply(line string, seq int) error {
	fields := strings.Split(line, " ")
	switch {
	case len(fields) == 2 && fields[0] == opDirty:
		r.entry(fields[1]).dirty = true
	case len(fields) == 3 && fields[0] == opClean:
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return errors.Wrapf(errCorruptJournal, errors.CodeSchemaFailed, "bad size %q", fields[2])
		}
		e := r.entry(fields[1])
		e.readable = true
		e.dirty = false
		e.size = size
		e.seq = seq
	case len(fields) == 2 && fields[0] == opRemove:
		delete(r.entries, fields[1])
	default:
		return errors.Wrapf(errCorruptJournal, errors.CodeSchemaFailed, "unknown record %q", line)
	}
	r.records++
	return nil
}

func (r *replay) entry(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key}
		r.entries[key] = e
	}
	return e
}

// writeJournal writes a compact journal: one CLEAN record per readable
// entry, in the given order, then a DIRTY record per entry being edited.
// It returns the number of records written.
func writeJournal(w io.Writer, appVersion int, readable, editing []*entry) (int, error) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n%s\n%d\n\n", journalMagic, journalVersion, appVersion)
	for _, e := range readable {
		fmt.Fprintf(bw, "%s %s %d\n", opClean, e.key, e.size)
	}
	for _, e := range editing {
		fmt.Fprintf(bw, "%s %s\n", opDirty, e.key)
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return len(readable) + len(editing), nil
}
