package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.NoError(t, cfg.Validate())
	require.Equal(t, Config{
		Backend:     KindAuto,
		ModelSource: SourceRemote,
		ModelID:     DefaultModel,
		Language:    DefaultLanguage,
	}, cfg)
}

func TestConfigValidateNormalises(t *testing.T) {
	t.Parallel()

	cfg := Config{Backend: " Portable ", ModelSource: "LOCAL", ModelID: " base ", Language: "DE"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, KindPortable, cfg.Backend)
	require.Equal(t, SourceLocal, cfg.ModelSource)
	require.Equal(t, "base", cfg.ModelID)
	require.Equal(t, "de", cfg.Language)
}

func TestConfigValidateRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	cfg := Config{ModelSource: "ftp"}
	require.Error(t, cfg.Validate())
}
