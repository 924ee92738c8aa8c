package tomlutil

import (
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

func TestDurationDecode(t *testing.T) {
	t.Parallel()

	var cfg struct {
		Backoff Duration `toml:"backoff"`
	}
	_, err := toml.Decode(`backoff = "15ms"`, &cfg)
	require.NoError(t, err)
	require.Equal(t, 15*time.Millisecond, cfg.Backoff.Duration())

	_, err = toml.Decode(`backoff = "soon"`, &cfg)
	require.Error(t, err)

	text, err := cfg.Backoff.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "15ms", string(text))
}
