package servermaster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/storage"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Adjust())
	require.Equal(t, 4, cfg.Amendment.WorkerCount)
	require.True(t, cfg.Amendment.IncrementalPlacement)
	require.True(t, cfg.Query.Merging)
	require.Equal(t, model.PlacementBottomUp, cfg.Placement.Strategy)
	require.Equal(t, model.RescUnit(1), cfg.Placement.OperatorCost)
	require.Equal(t, storage.AccessTwoPhaseLocking, cfg.Storage.AccessMode)
	require.Equal(t, 5*time.Second, cfg.MetaStore.DialTimeout.Duration())
	require.Equal(t, "info", cfg.Log.Level)
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Parse(`
[amendment]
worker-count = 2
incremental-placement = false

[placement]
strategy = "topdown"
operator-cost = 2

[storage]
access-mode = "occ"
occ-retry-budget = 7
lock-timeout = "50ms"

[query]
merging = false

[meta-store]
dial-timeout = "1s"
`))
	require.NoError(t, cfg.Adjust())
	require.Equal(t, 2, cfg.Amendment.WorkerCount)
	require.False(t, cfg.Amendment.IncrementalPlacement)
	require.Equal(t, model.PlacementTopDown, cfg.Placement.Strategy)
	require.Equal(t, model.RescUnit(2), cfg.Placement.OperatorCost)
	require.Equal(t, storage.AccessOptimistic, cfg.Storage.AccessMode)
	require.Equal(t, 7, cfg.Storage.OCCRetryBudget)
	require.Equal(t, 50*time.Millisecond, cfg.Storage.LockTimeout.Duration())
	require.False(t, cfg.Query.Merging)
	require.Equal(t, time.Second, cfg.MetaStore.DialTimeout.Duration())

	content, err := cfg.Toml()
	require.NoError(t, err)
	require.True(t, strings.Contains(content, `access-mode = "occ"`), content)
	require.Contains(t, cfg.String(), `"strategy":"TopDown"`)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := cfg.Parse("[amendment]\nworkers = 2\n")
	require.True(t, derror.ErrInvalidConfig.Equal(err), "%v", err)

	cfg = DefaultConfig()
	require.NoError(t, cfg.Parse("[placement]\nstrategy = \"random\"\n"))
	require.True(t, derror.Is(cfg.Adjust(), derror.ErrInvalidConfig))

	cfg = DefaultConfig()
	require.NoError(t, cfg.Parse("[storage]\nlock-order = [\"topology\"]\n"))
	require.Error(t, cfg.Adjust())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "coordinator.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, model.PlacementBottomUp, cfg.Placement.Strategy)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, derror.Is(err, derror.ErrInvalidConfig))
}
