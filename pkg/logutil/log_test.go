package logutil

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigAdjust(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.Adjust()
	require.Equal(t, "info", cfg.Level)
	require.Equal(t, "text", cfg.Format)

	cfg = &Config{Level: "debug", Format: "json"}
	cfg.Adjust()
	require.Equal(t, "debug", cfg.Level)
	require.Equal(t, "json", cfg.Format)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(&Config{Level: "debug"}))
	require.Error(t, InitLogger(&Config{Level: "no-such-level"}))
}

func TestShortError(t *testing.T) {
	t.Parallel()

	require.Equal(t, zap.Skip(), ShortError(nil))
	f := ShortError(errors.New("boom"))
	require.Equal(t, "error", f.Key)
	require.Equal(t, "boom", f.String)
}
