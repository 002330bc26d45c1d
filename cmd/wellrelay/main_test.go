package main

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/wellrelay/config"
	"github.com/INLOpen/wellrelay/core"
	"github.com/INLOpen/wellrelay/internal/testutil"
	"github.com/INLOpen/wellrelay/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{"Stdout", config.LoggingConfig{Level: "debug", Output: "stdout"}, false},
		{"None", config.LoggingConfig{Level: "warn", Output: "none"}, false},
		{"File", config.LoggingConfig{Level: "info", Output: "file", File: filepath.Join(t.TempDir(), "relay.log")}, false},
		{"FileWithoutPath", config.LoggingConfig{Level: "info", Output: "file"}, true},
		{"BadLevel", config.LoggingConfig{Level: "loud", Output: "stdout"}, true},
		{"BadOutput", config.LoggingConfig{Level: "info", Output: "syslog"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, closer, err := createLogger(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			if closer != nil {
				assert.NoError(t, closer.Close())
			}
		})
	}
}

func hostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname(), u.Port()
}

func writeConfig(t *testing.T, dest, local *testutil.Consumer, dbPath, lockDir string, wellID int64) string {
	t.Helper()
	dh, dp := hostPort(t, dest.URL())
	lh, lp := hostPort(t, local.URL())
	doc := fmt.Sprintf(`
well:
  id: %d
database:
  driver: sqlite
  dsn: %s
destination:
  host: %s
  port: %s
  username: relay
  password: pw
  token_retry_interval: 20ms
local:
  host: %s
  port: %s
  username: local
  password: lpw
  token_retry_interval: 20ms
channel:
  reconnect_min: 10ms
  reconnect_max: 50ms
live:
  interval: 20ms
logging:
  output: none
lock_dir: %s
`, wellID, dbPath, dh, dp, lh, lp, lockDir)
	path := filepath.Join(t.TempDir(), "wellrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadRunConfig(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()

	path := writeConfig(t, dest, local, filepath.Join(t.TempDir(), "w.db"), t.TempDir(), 42)

	cfg, err := loadRunConfig(runFlags{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Well.ID)
	assert.Equal(t, dest.URL(), cfg.Destination.URL())

	cfg, err = loadRunConfig(runFlags{configPath: path, wellID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Well.ID)

	_, err = loadRunConfig(runFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required setting well.id")
}

func TestRun_ReplicatesUntilCancelled(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "well.db")
	repo, err := sqlite.Open(ctx, dbPath, 42, nil)
	require.NoError(t, err)
	require.NoError(t, repo.PutWell(ctx, &core.Well{ID: 42, Attributes: map[string]any{"Name": "W-42"}}))
	require.NoError(t, repo.PutSample(ctx, &core.LiveSample{Code: 1, Timestamp: time.Now()}))
	require.NoError(t, repo.Close())

	lockDir := t.TempDir()
	cfg, err := loadRunConfig(runFlags{configPath: writeConfig(t, dest, local, dbPath, lockDir, 42)})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- run(runCtx, cfg) }()

	require.True(t, dest.WaitFor("well", 1, 5*time.Second))
	require.True(t, local.WaitFor("process-sample", 1, 5*time.Second))
	_, err = os.Stat(filepath.Join(lockDir, "wellrelay-42.lock"))
	assert.NoError(t, err, "instance lock held while running")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	_, err = os.Stat(filepath.Join(lockDir, "wellrelay-42.lock"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_MissingWellIsFatal(t *testing.T) {
	dest := testutil.NewConsumer("relay", "pw")
	defer dest.Close()
	local := testutil.NewConsumer("local", "lpw")
	defer local.Close()

	cfg, err := loadRunConfig(runFlags{configPath: writeConfig(t, dest, local, filepath.Join(t.TempDir(), "empty.db"), t.TempDir(), 42)})
	require.NoError(t, err)

	err = run(context.Background(), cfg)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, dest.Dials())
}

func TestLoginCommand(t *testing.T) {
	c := testutil.NewConsumer("relay", "s3cret")
	defer c.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"login", "--endpoint", c.URL(), "--username", "relay"})
	cmd.SetIn(strings.NewReader("s3cret\n"))
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Login succeeded")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"login", "--endpoint", c.URL(), "--username", "relay"})
	cmd.SetIn(strings.NewReader("wrong\n"))
	cmd.SetOut(&out)
	assert.Error(t, cmd.Execute())

	cmd = newRootCmd()
	cmd.SetArgs([]string{"login"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	assert.Error(t, cmd.Execute())
}
