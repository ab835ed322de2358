package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// entry format: [8 bytes id][4 bytes len][4 bytes crc32][len bytes json]
const recordHeaderLen = 16

const maxRecordLen = 1 << 20

const (
	logName  = "readings.log"
	metaName = "readings.meta"
)

var errClosed = errors.New("wal: closed")

// FileWAL is an append-only reading log with a committed watermark kept in
// a side file. Once every appended entry is committed the log is reset.
type FileWAL struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	nextID    ports.WALEntryID
	committed ports.WALEntryID
	sizeBytes int64
	syncEvery int
	pending   int
	closed    bool
}

var _ ports.WAL = (*FileWAL)(nil)

// Option customizes a FileWAL.
type Option func(*FileWAL)

// WithSyncEvery flushes and fsyncs after every n appends. Zero leaves
// flushing to Iterate, Commit and Close.
func WithSyncEvery(n int) Option {
	return func(w *FileWAL) {
		if n > 0 {
			w.syncEvery = n
		}
	}
}

func NewFileWAL(dir string, opts ...Option) (*FileWAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	wal := &FileWAL{
		path:     path,
		metaPath: filepath.Join(dir, metaName),
		file:     f,
		writer:   bufio.NewWriterSize(f, 1<<16),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(wal)
		}
	}
	if err := wal.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return wal, nil
}

func (w *FileWAL) bootstrap() error {
	if err := w.scanExisting(); err != nil {
		return err
	}
	if err := w.loadCommitted(); err != nil {
		return err
	}
	if w.nextID < w.committed {
		w.nextID = w.committed
	}
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting finds the last intact record and cuts off a torn or
// corrupt tail left by a crash.
func (w *FileWAL) scanExisting() error {
	rf, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var (
		offset int64
		lastID ports.WALEntryID
	)
	for {
		id, _, n, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksum) {
				break
			}
			return fmt.Errorf("wal scan: %w", err)
		}
		offset += n
		lastID = id
	}

	if err := w.file.Truncate(offset); err != nil {
		return err
	}
	w.sizeBytes = offset
	w.nextID = lastID
	return nil
}

func (w *FileWAL) loadCommitted() error {
	data, err := os.ReadFile(w.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("wal meta parse: %w", err)
	}
	w.committed = ports.WALEntryID(u)
	return nil
}

func (w *FileWAL) Append(r *domain.Reading) (ports.WALEntryID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errClosed
	}

	b, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	id := w.nextID + 1

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.ChecksumIEEE(b))

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.writer.Write(b); err != nil {
		return 0, err
	}

	w.nextID = id
	w.sizeBytes += int64(len(b) + len(hdr))

	if w.syncEvery > 0 {
		w.pending++
		if w.pending >= w.syncEvery {
			if err := w.syncLocked(); err != nil {
				return id, err
			}
		}
	}
	return id, nil
}

// Iterate calls fn for every intact entry with id >= from, oldest first.
func (w *FileWAL) Iterate(from ports.WALEntryID, fn func(id ports.WALEntryID, r *domain.Reading) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		id, body, _, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("corrupt WAL: %w", err)
		}
		if id < from {
			continue
		}

		var r domain.Reading
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("corrupt WAL entry %d: %w", id, err)
		}
		if err := fn(id, &r); err != nil {
			return err
		}
	}
}

// Commit advances the committed watermark. When it reaches the latest
// appended entry the log file is emptied.
func (w *FileWAL) Commit(upto ports.WALEntryID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}
	if upto > w.committed {
		w.committed = upto
	}
	if err := w.persistMetaLocked(); err != nil {
		return err
	}
	if w.committed >= w.nextID && w.sizeBytes > 0 {
		return w.resetLocked()
	}
	return nil
}

// Close flushes, fsyncs and closes the log. Later calls are no-ops.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.syncLocked(), w.file.Close())
}

func (w *FileWAL) Stats() ports.WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ports.WALStats{
		OldestUncommitted: w.committed + 1,
		LatestAppended:    w.nextID,
		SizeBytes:         w.sizeBytes,
	}
}

func (w *FileWAL) syncLocked() error {
	w.pending = 0
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// resetLocked drops fully committed content. Entry ids keep increasing so
// the watermark stays valid.
func (w *FileWAL) resetLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.sizeBytes = 0
	return nil
}

func (w *FileWAL) persistMetaLocked() error {
	tmp := w.metaPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", w.committed)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, w.metaPath)
}

var errChecksum = errors.New("checksum mismatch")

// readRecord returns the id, body and encoded size of the next record.
func readRecord(r io.Reader) (ports.WALEntryID, []byte, int64, error) {
	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, 0, err
	}
	id := ports.WALEntryID(binary.BigEndian.Uint64(hdr[0:8]))
	length := binary.BigEndian.Uint32(hdr[8:12])
	sum := binary.BigEndian.Uint32(hdr[12:16])
	if length > maxRecordLen {
		return 0, nil, 0, fmt.Errorf("entry %d: length %d: %w", id, length, errChecksum)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != sum {
		return 0, nil, 0, fmt.Errorf("entry %d: %w", id, errChecksum)
	}
	return id, body, int64(recordHeaderLen) + int64(length), nil
}
