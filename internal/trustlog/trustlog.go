// Package trustlog implements the append-only hash-chained audit log.
//
// Entries are JSON Lines in trust_log.jsonl. Each entry's sha256 covers the
// previous entry's hash, so any in-place edit breaks verification. Rotation
// renames the live file to a timestamped archive and records the last hash
// in trust_log.marker; the chain continues across rotations.
package trustlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veritas-os/veritas/internal/fsx"
	"github.com/veritas-os/veritas/internal/integrity"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/redact"
)

const (
	currentName = "trust_log.jsonl"
	markerName  = "trust_log.marker"

	archiveTimeLayout = "20060102T150405Z"

	// tailBlock is the initial backwards-read window when locating the
	// last complete line of the live file.
	tailBlock = 64 * 1024

	// maxLineSize bounds a single entry line during scans.
	maxLineSize = 4 * 1024 * 1024
)

// PolicyView is the slice of the active safety policy the log consults on
// each append. Implementations must be safe for concurrent use.
type PolicyView interface {
	MaxLogSize() int64
	RedactBeforeLog() bool
}

// StaticPolicy is a PolicyView with fixed values, used by the CLI verifier
// and in tests.
type StaticPolicy struct {
	MaxSize int64
	Redact  bool
}

func (s StaticPolicy) MaxLogSize() int64     { return s.MaxSize }
func (s StaticPolicy) RedactBeforeLog() bool { return s.Redact }

type marker struct {
	LastHash  string    `json:"last_hash"`
	RotatedAt time.Time `json:"rotated_at"`
	Archive   string    `json:"archive"`
}

// Log is the durable chained audit log. A single mutex serializes writers;
// readers tolerate the live file growing underneath them.
type Log struct {
	mu     sync.Mutex
	dir    string
	policy PolicyView
	logger *slog.Logger
	now    func() time.Time
}

// New opens (creating if needed) the trust log rooted at dir.
func New(dir string, policy PolicyView, logger *slog.Logger) (*Log, error) {
	if err := fsx.EnsureDir(dir); err != nil {
		return nil, err
	}
	isLink, err := fsx.IsSymlink(dir)
	if err != nil {
		return nil, fmt.Errorf("trustlog: lstat %s: %w", dir, err)
	}
	if isLink {
		return nil, fmt.Errorf("trustlog: refusing symlinked directory %s", dir)
	}
	return &Log{
		dir:    dir,
		policy: policy,
		logger: logger.With("component", "trustlog"),
		now:    time.Now,
	}, nil
}

// Append durably writes one entry and returns it with hashes filled in.
// The payload is redacted first when the active policy requires it.
func (l *Log) Append(requestID, stage string, payload map[string]any) (model.TrustLogEntry, error) {
	if l.policy.RedactBeforeLog() {
		payload = redact.RedactMap(payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.lastHashLocked()
	if err != nil {
		return model.TrustLogEntry{}, err
	}

	createdAt := l.now().UTC().Format(time.RFC3339Nano)
	sum, err := EntryHash(prev, requestID, createdAt, stage, payload)
	if err != nil {
		return model.TrustLogEntry{}, err
	}

	entry := model.TrustLogEntry{
		RequestID: requestID,
		CreatedAt: createdAt,
		Stage:     stage,
		Payload:   payload,
		SHA256:    sum,
	}
	if prev != "" {
		entry.SHA256Prev = &prev
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return model.TrustLogEntry{}, fmt.Errorf("trustlog: marshal entry: %w", err)
	}

	path, err := fsx.SecurePath(l.dir, currentName)
	if err != nil {
		return model.TrustLogEntry{}, err
	}
	if err := fsx.AppendLine(path, line); err != nil {
		return model.TrustLogEntry{}, model.E(model.KindTransientIO, "trust log append failed", err)
	}

	if err := l.maybeRotateLocked(path, sum); err != nil {
		// The entry is durable; rotation failure only delays archiving.
		l.logger.Error("trust log rotation failed", "error", err)
	}
	return entry, nil
}

// Size returns the live file's size in bytes, 0 when absent.
func (l *Log) Size() int64 {
	info, err := os.Stat(filepath.Join(l.dir, currentName))
	if err != nil {
		return 0
	}
	return info.Size()
}

func (l *Log) maybeRotateLocked(path, lastHash string) error {
	maxSize := l.policy.MaxLogSize()
	if maxSize <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	// Same-second rotations bump the stamp forward so archive names keep
	// sorting chronologically.
	ts := l.now().UTC()
	var archive, archivePath string
	for {
		archive = fmt.Sprintf("trust_log.%s.jsonl", ts.Format(archiveTimeLayout))
		if archivePath, err = fsx.SecurePath(l.dir, archive); err != nil {
			return err
		}
		if _, err := os.Stat(archivePath); errors.Is(err, os.ErrNotExist) {
			break
		}
		ts = ts.Add(time.Second)
	}

	if err := os.Rename(path, archivePath); err != nil {
		return fmt.Errorf("trustlog: archive rename: %w", err)
	}
	if err := fsx.SyncDir(l.dir); err != nil {
		return err
	}

	markerPath, err := fsx.SecurePath(l.dir, markerName)
	if err != nil {
		return err
	}
	if err := fsx.WriteJSON(markerPath, marker{
		LastHash:  lastHash,
		RotatedAt: l.now().UTC(),
		Archive:   archive,
	}); err != nil {
		return err
	}
	l.logger.Info("trust log rotated", "archive", archive, "size", info.Size())
	return nil
}

// lastHashLocked returns the hash the next entry must chain from: the last
// complete line of the live file, the rotation marker when the live file is
// empty, or "" for a brand-new chain.
func (l *Log) lastHashLocked() (string, error) {
	path := filepath.Join(l.dir, currentName)
	hash, found, err := tailHash(path)
	if err != nil {
		return "", err
	}
	if found {
		return hash, nil
	}

	markerPath := filepath.Join(l.dir, markerName)
	data, err := os.ReadFile(markerPath) //nolint:gosec // path is under the validated log dir
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("trustlog: read marker: %w", err)
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return "", model.E(model.KindChainIntegrity, "corrupt rotation marker", err)
	}
	return m.LastHash, nil
}

// tailHash reads the file backwards in growing blocks until it finds the
// last complete, parseable JSON line. Truncated tails from a crashed append
// are skipped, not fatal.
func tailHash(path string) (string, bool, error) {
	f, err := os.Open(path) //nolint:gosec // path is under the validated log dir
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("trustlog: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, fmt.Errorf("trustlog: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return "", false, nil
	}

	block := int64(tailBlock)
	for {
		if block > size {
			block = size
		}
		buf := make([]byte, block)
		if _, err := f.ReadAt(buf, size-block); err != nil && err != io.EOF {
			return "", false, fmt.Errorf("trustlog: read tail of %s: %w", path, err)
		}

		lines := strings.Split(string(buf), "\n")
		start := 0
		if block < size {
			// First element may be a partial line; only trust lines after
			// the first newline in the window.
			start = 1
		}
		for i := len(lines) - 1; i >= start; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			var entry model.TrustLogEntry
			if json.Unmarshal([]byte(line), &entry) == nil && entry.SHA256 != "" {
				return entry.SHA256, true, nil
			}
		}
		if block == size {
			return "", false, nil
		}
		block *= 2
	}
}

// chainFiles returns the log files in chronological order: archives sorted
// by name (the timestamp sorts lexicographically), then the live file.
func (l *Log) chainFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("trustlog: read dir: %w", err)
	}
	var archives []string
	current := false
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == currentName:
			current = true
		case strings.HasPrefix(name, "trust_log.") && strings.HasSuffix(name, ".jsonl"):
			archives = append(archives, name)
		}
	}
	sort.Strings(archives)
	if current {
		archives = append(archives, currentName)
	}
	return archives, nil
}

// VerifyChain re-hashes every entry across archives and the live file and
// reports every divergence. A missing or mismatched rotation marker is
// reported, never repaired.
func (l *Log) VerifyChain() (model.VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := l.chainFiles()
	if err != nil {
		return model.VerifyResult{}, err
	}

	res := model.VerifyResult{OK: true, Files: len(files)}
	var hashes []string
	prev := ""
	for _, name := range files {
		prev, err = l.verifyFile(name, prev, &res, &hashes)
		if err != nil {
			return model.VerifyResult{}, err
		}
	}

	if len(files) > 1 {
		l.verifyMarker(prev, files, &res)
	}
	res.OK = len(res.Breaks) == 0
	res.MerkleRoot = integrity.BuildMerkleRoot(hashes)
	return res, nil
}

func (l *Log) verifyFile(name, prev string, res *model.VerifyResult, hashes *[]string) (string, error) {
	f, err := os.Open(filepath.Join(l.dir, name)) //nolint:gosec // names come from chainFiles
	if err != nil {
		return "", fmt.Errorf("trustlog: open %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry model.TrustLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			res.Breaks = append(res.Breaks, model.ChainBreak{
				File: name, Line: lineNo, Reason: "unparseable entry",
			})
			continue
		}
		res.Entries++
		if hashes != nil {
			*hashes = append(*hashes, entry.SHA256)
		}

		entryPrev := ""
		if entry.SHA256Prev != nil {
			entryPrev = *entry.SHA256Prev
		}
		if entryPrev != prev {
			res.Breaks = append(res.Breaks, model.ChainBreak{
				File: name, Line: lineNo,
				Expected: prev, Actual: entryPrev,
				Reason: "sha256_prev does not continue the chain",
			})
		}
		want, err := EntryHash(entryPrev, entry.RequestID, entry.CreatedAt, entry.Stage, entry.Payload)
		if err != nil {
			return "", err
		}
		if want != entry.SHA256 {
			res.Breaks = append(res.Breaks, model.ChainBreak{
				File: name, Line: lineNo,
				Expected: want, Actual: entry.SHA256,
				Reason: "entry hash mismatch",
			})
		}
		prev = entry.SHA256
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("trustlog: scan %s: %w", name, err)
	}
	return prev, nil
}

func (l *Log) verifyMarker(lastArchiveHash string, files []string, res *model.VerifyResult) {
	data, err := os.ReadFile(filepath.Join(l.dir, markerName))
	if errors.Is(err, os.ErrNotExist) {
		res.Breaks = append(res.Breaks, model.ChainBreak{
			File:   markerName,
			Reason: "rotation marker missing despite archived files",
		})
		return
	}
	if err != nil {
		res.Breaks = append(res.Breaks, model.ChainBreak{File: markerName, Reason: "rotation marker unreadable"})
		return
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		res.Breaks = append(res.Breaks, model.ChainBreak{File: markerName, Reason: "rotation marker corrupt"})
		return
	}

	// The marker records the tail of the newest archive; recompute it.
	archivePrev := ""
	sub := model.VerifyResult{}
	for _, name := range files {
		if name == currentName {
			continue
		}
		archivePrev, err = l.verifyFile(name, archivePrev, &sub, nil)
		if err != nil {
			return
		}
	}
	if m.LastHash != archivePrev {
		res.Breaks = append(res.Breaks, model.ChainBreak{
			File:     markerName,
			Expected: archivePrev,
			Actual:   m.LastHash,
			Reason:   "rotation marker does not match archive tail",
		})
	}
	_ = lastArchiveHash
}

// GetByRequestID returns all entries for one request in chronological
// order, with chain verification attached.
func (l *Log) GetByRequestID(requestID string) (model.TrustLogByRequest, error) {
	res, err := l.VerifyChain()
	if err != nil {
		return model.TrustLogByRequest{}, err
	}

	l.mu.Lock()
	files, err := l.chainFiles()
	l.mu.Unlock()
	if err != nil {
		return model.TrustLogByRequest{}, err
	}

	var entries []model.TrustLogEntry
	for _, name := range files {
		if err := l.scanFile(name, func(e model.TrustLogEntry) bool {
			if e.RequestID == requestID {
				entries = append(entries, e)
			}
			return true
		}); err != nil {
			return model.TrustLogByRequest{}, err
		}
	}

	return model.TrustLogByRequest{
		RequestID:          requestID,
		Entries:            entries,
		ChainOK:            res.OK,
		VerificationResult: &res,
	}, nil
}

// ReadPage returns a cursor-paginated chronological page of entries.
// The cursor encodes a file name and line number; an empty cursor starts
// at the beginning of the oldest file.
func (l *Log) ReadPage(cursor string, limit int) (model.TrustLogPage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	l.mu.Lock()
	files, err := l.chainFiles()
	l.mu.Unlock()
	if err != nil {
		return model.TrustLogPage{}, err
	}

	startFile, startLine := "", 0
	if cursor != "" {
		var ok bool
		startFile, startLine, ok = decodeCursor(cursor)
		if !ok {
			return model.TrustLogPage{}, model.E(model.KindInvalidInput, "malformed cursor", nil)
		}
	}

	page := model.TrustLogPage{Entries: []model.TrustLogEntry{}}
	skipping := startFile != ""
	for _, name := range files {
		if skipping && name != startFile {
			continue
		}
		lineNo := 0
		err := l.scanFile(name, func(e model.TrustLogEntry) bool {
			lineNo++
			if skipping {
				if lineNo <= startLine {
					return true
				}
				skipping = false
			}
			if len(page.Entries) == limit {
				page.HasMore = true
				return false
			}
			page.Entries = append(page.Entries, e)
			page.NextCursor = encodeCursor(name, lineNo)
			return true
		})
		if err != nil {
			return model.TrustLogPage{}, err
		}
		skipping = false
		if page.HasMore {
			break
		}
	}
	if !page.HasMore {
		page.NextCursor = ""
	}
	return page, nil
}

func (l *Log) scanFile(name string, fn func(model.TrustLogEntry) bool) error {
	f, err := os.Open(filepath.Join(l.dir, name)) //nolint:gosec // names come from chainFiles
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trustlog: open %s: %w", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry model.TrustLogEntry
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if !fn(entry) {
			return nil
		}
	}
	return sc.Err()
}

func encodeCursor(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}

func decodeCursor(cursor string) (string, int, bool) {
	i := strings.LastIndexByte(cursor, ':')
	if i <= 0 {
		return "", 0, false
	}
	line, err := strconv.Atoi(cursor[i+1:])
	if err != nil || line < 0 {
		return "", 0, false
	}
	return cursor[:i], line, true
}
