// Package memory persists per-user MemoryRecords and serves cosine
// similarity search over immutable in-process index snapshots.
//
// On disk each user owns a directory holding records.json (records without
// vectors) and vectors.npz (one float32 entry per record ID). Both files
// are replaced atomically on every mutation; a crash leaves the previous
// consistent pair in place.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-os/veritas/internal/embedding"
	"github.com/veritas-os/veritas/internal/fsx"
	"github.com/veritas-os/veritas/internal/model"
)

const (
	recordsName = "records.json"
	vectorsName = "vectors.npz"

	// MaxTextChars caps stored text; longer inputs are rejected, not
	// truncated.
	MaxTextChars = 10_000
)

// Legacy serialized-object formats are never loaded. Their presence in a
// user directory fails the whole load.
var legacyExtensions = map[string]bool{".pkl": true, ".pickle": true, ".bin": true, ".joblib": true}

var safeUserRe = regexp.MustCompile(`^[A-Za-z0-9@._-]{1,64}$`)

// Store is the memory subsystem. A single mutex serializes mutations;
// readers search whatever index snapshot is currently published.
type Store struct {
	mu         sync.Mutex
	dir        string
	maxPerUser int
	embedder   embedding.Embedder
	logger     *slog.Logger

	// indexes maps user directory name to an immutable snapshot. The map
	// itself is copy-on-write; readers load the pointer once per search.
	indexes atomic.Pointer[map[string]*userIndex]
}

type userIndex struct {
	ids     []uuid.UUID
	kinds   []model.MemoryKind
	vectors [][]float32
}

// New opens the store rooted at dir. embedder may be nil; records are then
// stored without vectors and search is unavailable.
func New(dir string, maxPerUser int, embedder embedding.Embedder, logger *slog.Logger) (*Store, error) {
	if err := fsx.EnsureDir(dir); err != nil {
		return nil, err
	}
	s := &Store{
		dir:        dir,
		maxPerUser: maxPerUser,
		embedder:   embedder,
		logger:     logger.With("component", "memory"),
	}
	empty := map[string]*userIndex{}
	s.indexes.Store(&empty)
	return s, nil
}

// Put stores one record for userID and returns its ID.
func (s *Store) Put(ctx context.Context, userID string, kind model.MemoryKind, text string, metadata map[string]any) (uuid.UUID, error) {
	if !model.ValidMemoryKinds[kind] {
		return uuid.Nil, model.E(model.KindInvalidInput, fmt.Sprintf("unknown memory kind %q", kind), nil)
	}
	if strings.TrimSpace(text) == "" {
		return uuid.Nil, model.E(model.KindInvalidInput, "memory text is empty", nil)
	}
	if len(text) > MaxTextChars {
		return uuid.Nil, model.E(model.KindInvalidInput, fmt.Sprintf("memory text exceeds %d chars", MaxTextChars), nil)
	}

	rec := model.MemoryRecord{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			// Degraded record: searchable only after a later rebuild
			// with a working embedder.
			s.logger.Warn("embedding failed, storing record without vector", "error", err)
		} else {
			rec.Embedding = vecs[0]
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, vectors, err := s.loadUserLocked(userID)
	if err != nil {
		return uuid.Nil, err
	}
	records = append(records, rec)
	if rec.Embedding != nil {
		vectors[rec.ID.String()] = rec.Embedding
	}

	// Oldest-first eviction at the per-user cap.
	if len(records) > s.maxPerUser {
		sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
		evicted := records[:len(records)-s.maxPerUser]
		records = records[len(records)-s.maxPerUser:]
		for _, e := range evicted {
			delete(vectors, e.ID.String())
		}
		s.logger.Info("memory cap reached, evicted oldest records", "user", userID, "evicted", len(evicted))
	}

	if err := s.persistUserLocked(userID, records, vectors); err != nil {
		return uuid.Nil, err
	}
	s.publishLocked(userID, buildIndex(records, vectors))
	return rec.ID, nil
}

// Get returns one record owned by userID.
func (s *Store) Get(userID string, id uuid.UUID) (model.MemoryRecord, error) {
	s.mu.Lock()
	records, vectors, err := s.loadUserLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return model.MemoryRecord{}, err
	}
	for _, r := range records {
		if r.ID == id {
			r.Embedding = vectors[r.ID.String()]
			return r, nil
		}
	}
	return model.MemoryRecord{}, model.E(model.KindNotFound, "memory record not found", nil)
}

// Search embeds query and returns up to k records owned by userID, most
// similar first, optionally restricted to kinds.
func (s *Store) Search(ctx context.Context, userID, query string, k int, kinds []string) ([]model.MemoryRecord, error) {
	if s.embedder == nil {
		return nil, model.E(model.KindCapabilityUnavailable, "no embedder configured", nil)
	}
	if k <= 0 {
		k = 5
	}
	qvecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	qvec := qvecs[0]

	udir, err := userDirName(userID)
	if err != nil {
		return nil, err
	}
	idx := (*s.indexes.Load())[udir]
	if idx == nil {
		if err := s.RebuildIndex(userID); err != nil {
			return nil, err
		}
		idx = (*s.indexes.Load())[udir]
	}
	if idx == nil || len(idx.ids) == 0 {
		return []model.MemoryRecord{}, nil
	}

	kindFilter := map[model.MemoryKind]bool{}
	for _, kd := range kinds {
		kindFilter[model.MemoryKind(kd)] = true
	}

	type scored struct {
		pos int
		sim float64
	}
	var hits []scored
	for i, v := range idx.vectors {
		if len(kindFilter) > 0 && !kindFilter[idx.kinds[i]] {
			continue
		}
		if sim := cosine(qvec, v); sim > 0 {
			hits = append(hits, scored{pos: i, sim: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > k {
		hits = hits[:k]
	}

	s.mu.Lock()
	records, vectors, err := s.loadUserLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]model.MemoryRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	out := make([]model.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		if r, ok := byID[idx.ids[h.pos]]; ok && r.UserID == userID {
			r.Embedding = vectors[r.ID.String()]
			out = append(out, r)
		}
	}
	return out, nil
}

// RebuildIndex rebuilds userID's snapshot from disk and publishes it
// atomically. Readers holding the previous snapshot finish safely.
func (s *Store) RebuildIndex(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, vectors, err := s.loadUserLocked(userID)
	if err != nil {
		return err
	}
	s.publishLocked(userID, buildIndex(records, vectors))
	return nil
}

// RebuildAll rebuilds every user directory found on disk, a few in
// parallel. Used at startup.
func (s *Store) RebuildAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("memory: read dir: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		udir := e.Name()
		g.Go(func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			records, vectors, err := s.loadDirLocked(udir)
			if err != nil {
				return err
			}
			s.publishDirLocked(udir, buildIndex(records, vectors))
			return nil
		})
	}
	return g.Wait()
}

// TotalCount returns the number of records across all loaded user indexes.
// Users never touched by this process are not counted.
func (s *Store) TotalCount() int {
	total := 0
	for _, idx := range *s.indexes.Load() {
		if idx != nil {
			total += len(idx.ids)
		}
	}
	return total
}

// Count returns the number of active records for userID.
func (s *Store) Count(userID string) int {
	udir, err := userDirName(userID)
	if err != nil {
		return 0
	}
	if idx := (*s.indexes.Load())[udir]; idx != nil {
		return len(idx.ids)
	}
	s.mu.Lock()
	records, _, err := s.loadUserLocked(userID)
	s.mu.Unlock()
	if err != nil {
		return 0
	}
	return len(records)
}

func (s *Store) publishLocked(userID string, idx *userIndex) {
	udir, err := userDirName(userID)
	if err != nil {
		return
	}
	s.publishDirLocked(udir, idx)
}

func (s *Store) publishDirLocked(udir string, idx *userIndex) {
	old := *s.indexes.Load()
	next := make(map[string]*userIndex, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[udir] = idx
	s.indexes.Store(&next)
}

func buildIndex(records []model.MemoryRecord, vectors map[string][]float32) *userIndex {
	idx := &userIndex{}
	for _, r := range records {
		idx.ids = append(idx.ids, r.ID)
		idx.kinds = append(idx.kinds, r.Kind)
		idx.vectors = append(idx.vectors, vectors[r.ID.String()])
	}
	return idx
}

func (s *Store) loadUserLocked(userID string) ([]model.MemoryRecord, map[string][]float32, error) {
	udir, err := userDirName(userID)
	if err != nil {
		return nil, nil, err
	}
	return s.loadDirLocked(udir)
}

func (s *Store) loadDirLocked(udir string) ([]model.MemoryRecord, map[string][]float32, error) {
	dirPath, err := fsx.SecurePath(s.dir, udir)
	if err != nil {
		return nil, nil, err
	}
	if err := s.refuseLegacy(dirPath); err != nil {
		return nil, nil, err
	}

	var records []model.MemoryRecord
	recPath := filepath.Join(dirPath, recordsName)
	data, err := os.ReadFile(recPath) //nolint:gosec // under the validated store dir
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, nil, model.E(model.KindTransientIO, "memory records read failed", err)
	default:
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, nil, model.E(model.KindInternal, "memory records corrupt", err)
		}
	}

	vectors := map[string][]float32{}
	arrays, err := fsx.ReadNPZ(filepath.Join(dirPath, vectorsName))
	if err == nil {
		for name, arr := range arrays {
			if arr.Float32 != nil && len(arr.Shape) == 1 {
				vectors[name] = arr.Float32
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("memory vectors unreadable, continuing without", "error", err)
	}
	return records, vectors, nil
}

// refuseLegacy fails the load when a legacy serialized-object file is
// present. These formats can execute code on deserialization and are never
// read.
func (s *Store) refuseLegacy(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return model.E(model.KindTransientIO, "memory dir read failed", err)
	}
	for _, e := range entries {
		if legacyExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			s.logger.Warn("refusing legacy serialized file in memory store",
				"file", e.Name(), "dir", dirPath)
			return model.E(model.KindInternal, "legacy serialized data present, refusing to load", nil)
		}
	}
	return nil
}

func (s *Store) persistUserLocked(userID string, records []model.MemoryRecord, vectors map[string][]float32) error {
	udir, err := userDirName(userID)
	if err != nil {
		return err
	}
	dirPath, err := fsx.SecurePath(s.dir, udir)
	if err != nil {
		return err
	}
	if err := fsx.EnsureDir(dirPath); err != nil {
		return err
	}

	// Vectors live only in the npz bundle.
	slim := make([]model.MemoryRecord, len(records))
	for i, r := range records {
		r.Embedding = nil
		slim[i] = r
	}
	if err := fsx.WriteJSON(filepath.Join(dirPath, recordsName), slim); err != nil {
		return model.E(model.KindTransientIO, "memory records write failed", err)
	}

	arrays := make(map[string]fsx.Array, len(vectors))
	for id, v := range vectors {
		arrays[id] = fsx.Array{Shape: []int{len(v)}, Float32: v}
	}
	if err := fsx.WriteNPZ(filepath.Join(dirPath, vectorsName), arrays); err != nil {
		return model.E(model.KindTransientIO, "memory vectors write failed", err)
	}
	return nil
}

// userDirName maps a user ID to its directory. Path-safe IDs are used
// as-is for operability; anything else is rejected.
func userDirName(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." || !safeUserRe.MatchString(userID) {
		return "", model.E(model.KindInvalidInput, "user id is not path-safe", nil)
	}
	return userID, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
