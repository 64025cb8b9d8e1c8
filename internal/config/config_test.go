package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Partition.ID)
	assert.Equal(t, 3, cfg.Jobs.ListenerRetries)
	assert.Equal(t, time.Second, cfg.Jobs.TimeoutCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 5*time.Second, cfg.RecordLog.BusyTimeout)
	assert.Equal(t, "NORMAL", cfg.RecordLog.Synchronous)
}

func TestRecordLogSettings(t *testing.T) {
	cfg, err := FromYAML([]byte(`
record_log:
  busy_timeout: 2s
  synchronous: FULL
`))
	require.NoError(t, err)
	dbCfg := cfg.DB("/srv/flow")
	assert.Equal(t, "/srv/flow", dbCfg.Workspace)
	assert.Equal(t, 2*time.Second, dbCfg.BusyTimeout)
	assert.Equal(t, "FULL", dbCfg.Synchronous)

	_, err = FromYAML([]byte("record_log:\n  synchronous: LAZY\n"))
	assert.ErrorContains(t, err, "config.record_log")
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte(`
authorizations:
  enabled: true
  admin: root
webhooks:
  - url: https://hooks.example.com/records
    enabled: true
    value_types: [INCIDENT, USER_TASK]
`))
	require.NoError(t, err)
	assert.True(t, cfg.Authorizations.Enabled)
	assert.Equal(t, "root", cfg.Authorizations.Admin)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
	assert.Len(t, cfg.Webhooks[0].ValueTypes, 2)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"partition":  "partition: {id: 0}",
		"admin":      "authorizations: {enabled: true, admin: ''}",
		"retries":    "jobs: {listener_retries: -1}",
		"base path":  "server: {base_path: v0}",
		"url":        "webhooks: [{url: 'ftp://x'}]",
		"value type": "webhooks: [{url: 'http://x', value_types: [PROCESS]}]",
		"duplicate":  "webhooks: [{url: 'http://x'}, {url: 'http://x'}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("partition: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "flowkernel.yml"), []byte("partition: {id: 7}\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Partition.ID)
}
