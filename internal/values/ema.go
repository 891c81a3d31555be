package values

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/veritas-os/veritas/internal/fsx"
	"github.com/veritas-os/veritas/internal/model"
)

// DefaultAlpha is the EMA smoothing factor.
const DefaultAlpha = 0.2

var safeUserRe = regexp.MustCompile(`^[A-Za-z0-9@._-]{1,64}$`)

type emaState struct {
	EMA       float64   `json:"ema"`
	Baseline  float64   `json:"baseline"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Core persists one EMA of values.total per user. A single lock serializes
// writers; every update is an atomic JSON replace.
type Core struct {
	mu     sync.Mutex
	dir    string
	alpha  float64
	logger *slog.Logger
}

// NewCore opens the EMA store rooted at dir.
func NewCore(dir string, logger *slog.Logger) (*Core, error) {
	if err := fsx.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Core{
		dir:    dir,
		alpha:  DefaultAlpha,
		logger: logger.With("component", "values"),
	}, nil
}

// Update folds total into userID's EMA and persists the new state.
func (c *Core) Update(userID string, total float64) error {
	path, err := c.statePath(userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.loadLocked(path)
	if err != nil {
		return err
	}
	if st.Samples == 0 {
		st.EMA = total
		st.Baseline = total
	} else {
		st.EMA = c.alpha*total + (1-c.alpha)*st.EMA
	}
	st.Samples++
	st.UpdatedAt = time.Now().UTC()

	if err := fsx.WriteJSON(path, st); err != nil {
		return model.E(model.KindTransientIO, "value core persist failed", err)
	}
	return nil
}

// Drift returns userID's current EMA and percentage drift vs baseline.
func (c *Core) Drift(userID string) (model.DriftReport, error) {
	path, err := c.statePath(userID)
	if err != nil {
		return model.DriftReport{}, err
	}

	c.mu.Lock()
	st, err := c.loadLocked(path)
	c.mu.Unlock()
	if err != nil {
		return model.DriftReport{}, err
	}
	if st.Samples == 0 {
		return model.DriftReport{}, model.E(model.KindNotFound, "no value history for user", nil)
	}

	driftPct := 0.0
	if st.Baseline != 0 {
		driftPct = (st.EMA - st.Baseline) / st.Baseline * 100
	}
	return model.DriftReport{
		UserID:    userID,
		EMA:       st.EMA,
		Baseline:  st.Baseline,
		DriftPct:  driftPct,
		Samples:   st.Samples,
		UpdatedAt: st.UpdatedAt,
	}, nil
}

func (c *Core) loadLocked(path string) (emaState, error) {
	var st emaState
	data, err := os.ReadFile(path) //nolint:gosec // under the validated store dir
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, model.E(model.KindTransientIO, "value core read failed", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, model.E(model.KindInternal, "value core state corrupt", err)
	}
	return st, nil
}

func (c *Core) statePath(userID string) (string, error) {
	if !safeUserRe.MatchString(userID) {
		return "", model.E(model.KindInvalidInput, "user id is not path-safe", nil)
	}
	path, err := fsx.SecurePath(c.dir, userID+".json")
	if err != nil {
		return "", fmt.Errorf("values: %w", err)
	}
	return filepath.Clean(path), nil
}
