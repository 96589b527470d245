package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/miretskiy/diskcache"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "check.toml")
	cfg := "path = \"" + dir + "\"\ndirect_io = false\nbackup_codec = \"lz4\"\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func populate(t *testing.T, dir string, keys ...string) {
	t.Helper()
	ctx := context.Background()
	c, err := diskcache.Open(ctx, dir, diskcache.WithDirectIO(false))
	require.NoError(t, err)
	for _, key := range keys {
		e, err := c.CreateEntry(ctx, key)
		require.NoError(t, err)
		_, err = e.WriteData(ctx, 0, 0, []byte("value of "+key), true)
		require.NoError(t, err)
		require.NoError(t, e.Close())
	}
	require.NoError(t, c.Close())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := newDefaultConfig()
	require.Equal(t, int64(80<<20), cfg.MaxSize)
	require.True(t, cfg.DirectIO)
	require.Equal(t, "s2", cfg.BackupCodec)

	cfg.BackupCodec = "zip"
	_, err := cfg.options()
	require.Error(t, err)
}

func TestRun_Check(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir, "a", "b", "c")

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--config", writeConfig(t, dir)}, &out, &errOut)
	require.Zero(t, code, errOut.String())
	require.Contains(t, out.String(), "checked 3 entries")
	require.Regexp(t, `(?m)^entries\s+3$`, out.String())
}

func TestRun_Restart(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir, "a", "b")

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--config", writeConfig(t, dir), "--restart"}, &out, &errOut)
	require.Zero(t, code, errOut.String())
	require.Contains(t, out.String(), "cache emptied")
	require.Regexp(t, `(?m)^entries\s+0$`, out.String())
}

func TestRun_Quiet(t *testing.T) {
	dir := t.TempDir()
	populate(t, dir, "a")

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--config", writeConfig(t, dir), "-q"}, &out, &errOut)
	require.Zero(t, code, errOut.String())
	require.Empty(t, out.String())
}

func TestRun_BadArguments(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 2, run(context.Background(), nil, &out, &errOut))
	require.Contains(t, errOut.String(), "--path is required")
	require.Contains(t, errOut.String(), "--max-size")

	errOut.Reset()
	require.Equal(t, 1, run(context.Background(), []string{"--config", "/does/not/exist.toml"}, &out, &errOut))
	require.Contains(t, errOut.String(), "failed to read config")

	require.Equal(t, 2, run(context.Background(), []string{"--no-such-flag"}, &out, &errOut))
}
