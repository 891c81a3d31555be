package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-os/veritas/internal/model"
)

// fakeEmbedder maps known words to fixed unit vectors so similarity
// ordering is predictable.
type fakeEmbedder struct{}

func (fakeEmbedder) Dim() int { return 3 }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case contains(t, "cat"):
			out[i] = []float32{1, 0, 0}
		case contains(t, "dog"):
			out[i] = []float32{0.9, 0.1, 0}
		case contains(t, "stock"):
			out[i] = []float32{0, 0, 1}
		default:
			out[i] = []float32{0, 1, 0}
		}
	}
	return out, nil
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func newTestStore(t *testing.T, maxPerUser int) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := New(t.TempDir(), maxPerUser, fakeEmbedder{}, logger)
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t, 100)

	id, err := s.Put(context.Background(), "alice", model.MemoryEpisodic, "the cat sat", map[string]any{"tag": "pets"})
	require.NoError(t, err)

	rec, err := s.Get("alice", id)
	require.NoError(t, err)
	assert.Equal(t, "the cat sat", rec.Text)
	assert.Equal(t, model.MemoryEpisodic, rec.Kind)
	assert.Equal(t, []float32{1, 0, 0}, rec.Embedding)
}

func TestPutRejectsUnknownKind(t *testing.T) {
	s := newTestStore(t, 100)
	_, err := s.Put(context.Background(), "alice", "procedural", "text", nil)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestPutRejectsEmptyText(t *testing.T) {
	s := newTestStore(t, 100)
	_, err := s.Put(context.Background(), "alice", model.MemorySemantic, "   ", nil)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestGetEnforcesOwnership(t *testing.T) {
	s := newTestStore(t, 100)
	id, err := s.Put(context.Background(), "alice", model.MemorySemantic, "secret cat fact", nil)
	require.NoError(t, err)

	_, err = s.Get("mallory", id)
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.Put(ctx, "alice", model.MemoryEpisodic, "my cat story", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", model.MemoryEpisodic, "my dog story", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", model.MemorySemantic, "stock market note", nil)
	require.NoError(t, err)

	got, err := s.Search(ctx, "alice", "cat", 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Contains(t, got[0].Text, "cat")
	assert.Contains(t, got[1].Text, "dog")
}

func TestSearchFiltersKinds(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.Put(ctx, "alice", model.MemoryEpisodic, "cat one", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", model.MemorySemantic, "cat two", nil)
	require.NoError(t, err)

	got, err := s.Search(ctx, "alice", "cat", 10, []string{"semantic"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MemorySemantic, got[0].Kind)
}

func TestSearchIsolatedPerUser(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.Put(ctx, "alice", model.MemoryEpisodic, "alice cat", nil)
	require.NoError(t, err)

	got, err := s.Search(ctx, "bob", "cat", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPutEvictsOldestAtCap(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	first, err := s.Put(ctx, "alice", model.MemoryEpisodic, "cat first", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", model.MemoryEpisodic, "cat second", nil)
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", model.MemoryEpisodic, "cat third", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Count("alice"))
	_, err = s.Get("alice", first)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestRebuildMatchesRecords(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := New(dir, 100, fakeEmbedder{}, logger)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "alice", model.MemoryEpisodic, "cat persistent", nil)
	require.NoError(t, err)

	// Fresh store over the same directory.
	s2, err := New(dir, 100, fakeEmbedder{}, logger)
	require.NoError(t, err)
	require.NoError(t, s2.RebuildAll(ctx))
	assert.Equal(t, 1, s2.Count("alice"))

	got, err := s2.Search(ctx, "alice", "cat", 5, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRefusesLegacyFiles(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()

	_, err := s.Put(ctx, "alice", model.MemoryEpisodic, "cat fine", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "alice", "state.pkl"), []byte("x"), 0o600))

	_, err = s.Put(ctx, "alice", model.MemoryEpisodic, "cat blocked", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy")
}

func TestRejectsUnsafeUserID(t *testing.T) {
	s := newTestStore(t, 100)
	_, err := s.Put(context.Background(), "../evil", model.MemoryEpisodic, "cat", nil)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))

	_, err = s.Get(uuid.NewString()+"/..", uuid.New())
	assert.Error(t, err)
}
