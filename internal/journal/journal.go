// Package journal is a durable append-only log of JSON entries with a commit
// watermark kept in a sidecar file. Entries above the watermark survive a
// restart and can be replayed.
package journal

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal: closed")

type entry[T any] struct {
	Seq    uint64 `json:"seq"`
	Record T      `json:"record"`
}

// Journal stores values of type T, one JSON line per entry.
type Journal[T any] struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens the journal at path. Committed entries are compacted
// away and a partially written trailing line is dropped.
func Open[T any](path string) (*Journal[T], error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, errors.Wrap(err, "journal: mkdir")
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}
	maxSeq, err := compact[T](path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, fileMode)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	return &Journal[T]{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    max(maxSeq, committed) + 1,
		committed:  committed,
	}, nil
}

// Append persists v and returns its sequence number.
func (j *Journal[T]) Append(v T) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, ErrClosed
	}

	line, err := json.Marshal(entry[T]{Seq: j.nextSeq, Record: v})
	if err != nil {
		return 0, errors.Wrap(err, "journal: marshal entry")
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return 0, errors.Wrap(err, "journal: write entry")
	}
	if err := j.file.Sync(); err != nil {
		return 0, errors.Wrap(err, "journal: sync entry")
	}
	seq := j.nextSeq
	j.nextSeq++
	return seq, nil
}

// Commit marks every entry up to seq as done.
func (j *Journal[T]) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the commit watermark.
func (j *Journal[T]) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted entry in sequence order. It stops at
// the first error returned by fn.
func (j *Journal[T]) Replay(fn func(seq uint64, v T) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}
	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "journal: open for replay")
	}
	defer f.Close()

	return scan(f, func(e entry[T], _ []byte) error {
		if e.Seq <= committed {
			return nil
		}
		return fn(e.Seq, e.Record)
	})
}

// Close closes the journal file. Further appends fail with ErrClosed.
func (j *Journal[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan decodes complete lines until EOF, a partial trailing line or a
// malformed line, whichever comes first.
func scan[T any](r io.Reader, fn func(e entry[T], line []byte) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "journal: read")
		}
		if len(line) == 0 || !bytes.HasSuffix(line, []byte("\n")) {
			return nil
		}
		var e entry[T]
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		if ferr := fn(e, line); ferr != nil {
			return ferr
		}
		if err == io.EOF {
			return nil
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "journal: read commit file")
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "journal: parse commit seq")
	}
	return seq, nil
}

// writeAtomic writes data to a temp file, syncs it and renames it over path.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, fileMode)
	if err != nil {
		return errors.Wrap(err, "journal: open tmp")
	}
	fail := func(err error, msg string) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, msg)
	}
	if err := write(f); err != nil {
		return fail(err, "journal: write tmp")
	}
	if err := f.Sync(); err != nil {
		return fail(err, "journal: sync tmp")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "journal: close tmp")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "journal: rename tmp")
	}
	return nil
}

func writeCommitted(path string, seq uint64) error {
	return writeAtomic(path, func(f *os.File) error {
		_, err := f.WriteString(strconv.FormatUint(seq, 10) + "\n")
		return err
	})
}

// compact rewrites the journal without committed entries and returns the
// highest sequence number seen.
func compact[T any](path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, errors.Wrap(err, "journal: open for compact")
	}
	defer src.Close()

	var maxSeq uint64
	err = writeAtomic(path, func(dst *os.File) error {
		return scan(src, func(e entry[T], line []byte) error {
			maxSeq = max(maxSeq, e.Seq)
			if e.Seq <= committed {
				return nil
			}
			_, werr := dst.Write(line)
			return werr
		})
	})
	if err != nil {
		return 0, err
	}
	return maxSeq, nil
}
