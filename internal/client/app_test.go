package client_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/client"
	"github.com/TheMichaelB/syncsession/internal/crypto"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
	"github.com/TheMichaelB/syncsession/test/testutil"
)

func newApp(t *testing.T) (*client.App, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testutil.TestConfigWithDir(dir)
	cfg.Sync.EncryptionSalt = "0123456789abcdef"

	app, err := client.New(context.Background(), cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	return app, dir
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testutil.TestConfigWithDir(t.TempDir())
	cfg.App.ID = ""

	_, err := client.New(context.Background(), cfg, events.Discard)
	assert.ErrorContains(t, err, "app.id is required")
}

func TestFilePath(t *testing.T) {
	app, dir := newApp(t)
	defer app.Close()

	root := filepath.Join(dir, "files", "test-app", "user-1")
	tests := []struct {
		partition string
		want      string
	}{
		{"", filepath.Join(root, "default.realm")},
		{"team", filepath.Join(root, "team.realm")},
		{`"team/42"`, filepath.Join(root, "%22team%2F42%22.realm")},
	}

	for _, tt := range tests {
		t.Run(tt.partition, func(t *testing.T) {
			assert.Equal(t, tt.want, app.FilePath("user-1", tt.partition))
		})
	}

	cfg := app.SessionConfig("user-1", "team")
	assert.Equal(t, filepath.Join(root, "team.realm"), cfg.Path)
	assert.Equal(t, app.Config().App.ServerURL, cfg.ServerURL)
	assert.Equal(t, filepath.Join(root, "recovered-realms", "team.realm.bak"), cfg.BackupPath(cfg.Path, ""))
	assert.Equal(t, filepath.Join(root, "old", "team.realm"), cfg.BackupPath(cfg.Path, "old/team.realm"))
}

func TestOpenSessionAndClose(t *testing.T) {
	app, _ := newApp(t)

	cfg := app.SessionConfig("user-1", "")
	s, err := app.OpenSession(cfg)
	require.NoError(t, err)

	st, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, models.Active, st)

	same, err := app.OpenSession(cfg)
	require.NoError(t, err)
	assert.Same(t, s, same)

	other, err := app.OpenSession(app.SessionConfig("user-2", "p"))
	require.NoError(t, err)

	require.NoError(t, app.Close())
	assert.True(t, s.IsClosed())
	assert.True(t, other.IsClosed())
	assert.Empty(t, app.Sync.AllSessions())
}

func TestJournalRecordsSessions(t *testing.T) {
	app, _ := newApp(t)
	defer app.Close()

	require.NotNil(t, app.Journal)
	s, err := app.OpenSession(app.SessionConfig("user-1", ""))
	require.NoError(t, err)

	records, err := app.Journal.ListSessions()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, s.ID(), records[0].SessionID)
}

func TestOpenSessionRejectsBadKey(t *testing.T) {
	app, _ := newApp(t)
	defer app.Close()

	cfg := app.SessionConfig("user-1", "")
	cfg.EncryptionKey = []byte("short")
	_, err := app.OpenSession(cfg)
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestFileKey(t *testing.T) {
	app, _ := newApp(t)
	defer app.Close()

	key, err := app.FileKey("secret")
	require.NoError(t, err)
	assert.Len(t, key, crypto.FileKeySize)

	cfg := app.SessionConfig("user-1", "")
	cfg.EncryptionKey = key
	_, err = app.OpenSession(cfg)
	require.NoError(t, err)

	app.Config().Sync.EncryptionSalt = ""
	_, err = app.FileKey("secret")
	assert.ErrorIs(t, err, client.ErrNoSalt)
}

func TestWithEngine(t *testing.T) {
	cfg := testutil.TestConfigWithDir(t.TempDir())
	cfg.Storage.JournalPath = ""

	eng := engine.NewMemory(events.Discard)
	app, err := client.New(context.Background(), cfg, events.Discard, client.WithEngine(eng))
	require.NoError(t, err)

	assert.Same(t, eng, app.Engine())
	assert.Nil(t, app.Journal)
	assert.Nil(t, app.Monitor)
	require.NoError(t, app.Close())
}

func TestCloseReportsEverySessionFailure(t *testing.T) {
	cfg := testutil.TestConfigWithDir(t.TempDir())
	cfg.Storage.JournalPath = ""

	eng := testutil.NewMockEngine()
	eng.Test(t)
	eng.On("SetHandler", mock.Anything).Return()
	eng.On("OpenSession", mock.Anything).Return(nil)
	eng.On("Start", mock.Anything).Return(nil)
	eng.On("Close").Return(nil)

	app, err := client.New(context.Background(), cfg, events.Discard, client.WithEngine(eng))
	require.NoError(t, err)

	paths := map[string]error{
		app.FilePath("user-1", "a"): errors.New("stop a refused"),
		app.FilePath("user-1", "b"): errors.New("stop b refused"),
		app.FilePath("user-1", "c"): nil,
	}
	for path, stopErr := range paths {
		eng.On("Stop", path).Return(stopErr)
		_, err := app.Sync.GetOrCreateSession(session.Config{Path: path})
		require.NoError(t, err)
	}

	err = app.Close()
	require.Error(t, err)
	for _, stopErr := range paths {
		if stopErr != nil {
			assert.ErrorIs(t, err, stopErr)
		}
	}
	assert.Empty(t, app.Sync.AllSessions())
	eng.AssertCalled(t, "Close")
}
