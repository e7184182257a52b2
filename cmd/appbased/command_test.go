package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbase/pkg/app"
)

func TestPluginsCommandListsFactories(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{"plugins"}, &out, &errOut)
	require.Equal(t, app.ExitOK, code, errOut.String())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var names []string
	requires := map[string]string{}
	for _, line := range lines {
		fields := strings.Fields(line)
		require.GreaterOrEqual(t, len(fields), 2, line)
		names = append(names, fields[0])
		requires[fields[0]] = fields[1]
	}
	assert.Equal(t, []string{"amqpbridge", "chainwatch", "health", "heartbeat", "metrics", "mysqlstore", "redisstore"}, names)
	assert.Equal(t, "-", requires["heartbeat"])
	assert.Contains(t, out.String(), "logs uptime periodically")
}

func TestVersionFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{"--version"}, &out, &errOut)
	assert.Equal(t, app.ExitOK, code)
	assert.Equal(t, Version+"\n", out.String())
}

func TestHelpListsPluginOptions(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{"--help", "--data-dir", t.TempDir()}, &out, &errOut)
	assert.Equal(t, app.ExitOK, code)
	for _, opt := range []string{"--plugin", "--heartbeat-interval", "--redis-address", "--metrics-listen"} {
		assert.Contains(t, out.String(), opt)
	}
}

func TestUnknownPluginIsConfigureError(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), []string{
		"--plugin", "no-such-plugin",
		"--data-dir", filepath.Join(dir, "data"),
		"--config-dir", filepath.Join(dir, "config"),
	}, &out, &errOut)
	assert.Equal(t, app.ExitConfigureError, code)
}

func TestRunsUntilContextCancelled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	code := execute(ctx, []string{
		"--data-dir", filepath.Join(dir, "data"),
		"--config-dir", filepath.Join(dir, "config"),
	}, &out, &errOut)
	assert.Equal(t, app.ExitOK, code, errOut.String())
}
