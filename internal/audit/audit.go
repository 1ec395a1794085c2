package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/breeze-rmm/devportal/internal/logging"
)

var log = logging.L("audit")

const (
	EventAppLaunch    = "app_launch"
	EventAppTerminate = "app_terminate"
	EventLogRotated   = "log_rotated"

	genesisHash = "genesis"
)

// Entry is a single audit record. EntryHash covers every other field and
// PrevHash links it to the record before it.
type Entry struct {
	Timestamp   string         `json:"timestamp"`
	EventType   string         `json:"eventType"`
	OperationID string         `json:"operationId,omitempty"`
	Device      string         `json:"device,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PrevHash    string         `json:"prevHash"`
	EntryHash   string         `json:"entryHash"`
}

// Logger appends hash-chained JSONL records to a file, rotating it by size.
// The first record of a rotated file is an EventLogRotated sentinel linked
// to the last record of the previous file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
}

// NewLogger opens path for appending and continues its hash chain.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   prev,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Log appends one record. The chain only advances after a successful write.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType, operationID, device string, details map[string]any) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		OperationID: operationID,
		Device:      device,
		Details:     details,
	}
	data, err := l.seal(&entry)
	if err != nil {
		return err
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("audit rotation: %w", err)
		}
		if data, err = l.seal(&entry); err != nil {
			return err
		}
	}

	if err := l.write(data, entry.EntryHash); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		log.Warn("audit fsync failed", logging.KeyError, err)
	}
	return nil
}

// Close closes the file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// seal links entry to the current chain head, hashes it and returns the
// encoded line.
func (l *Logger) seal(entry *Entry) ([]byte, error) {
	entry.PrevHash = l.prevHash
	hash, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal audit entry: %w", err)
	}
	return append(data, '\n'), nil
}

func (l *Logger) write(data []byte, hash string) error {
	n, err := l.file.Write(data)
	l.written += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.prevHash = hash
	return nil
}

// computeHash length-prefixes each field so that shifting characters between
// adjacent fields changes the digest.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, e.OperationID, e.Device, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.Remove(l.backupName(l.maxBackups)); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove oldest audit backup", logging.KeyError, err)
	}
	for i := l.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(l.backupName(i), l.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to shift audit backup", "index", i, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.path, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := l.seal(&sentinel)
	if err != nil {
		return err
	}
	return l.write(data, sentinel.EntryHash)
}

func (l *Logger) backupName(index int) string {
	return fmt.Sprintf("%s.%d", l.path, index)
}

// lastHash returns the EntryHash of the final record in path, or the genesis
// value when the file is missing or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	prev := genesisHash
	err = scan(f, func(e Entry) error {
		prev = e.EntryHash
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

func scan(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("audit line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("audit line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// Verify checks that every record in r hashes correctly and links to the one
// before it. The first record may link to anything, so a rotated file can be
// verified on its own. It returns the number of records checked.
func Verify(r io.Reader) (int, error) {
	count := 0
	prev := ""
	err := scan(r, func(e Entry) error {
		want, err := computeHash(e)
		if err != nil {
			return err
		}
		if e.EntryHash != want {
			return fmt.Errorf("entry hash mismatch")
		}
		if count > 0 && e.PrevHash != prev {
			return fmt.Errorf("chain broken: prevHash %s does not match %s", e.PrevHash, prev)
		}
		prev = e.EntryHash
		count++
		return nil
	})
	return count, err
}
