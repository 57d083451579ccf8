package injector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/livesync/internal/config"
)

func TestInitializeApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Actor.ID = "u-1"
	cfg.Log.Level = "silent"
	cfg.Transport.PushURL = "ws://127.0.0.1:1/push"

	app, cleanup, err := InitializeApp(cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.NotNil(t, app.Engine)
	require.NotNil(t, app.Logger)
	assert.Equal(t, "u-1", app.Config.Actor.ID)
	assert.Empty(t, app.Engine.Snapshot().PendingChanges)
}

func TestInitializeAppRejectsBadTransport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "silent"
	cfg.Transport.BaseURL = ""

	_, _, err := InitializeApp(cfg)
	require.Error(t, err)
}
