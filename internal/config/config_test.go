package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, BlobFS, cfg.Blobs.Driver)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.False(t, cfg.Server.AllowActorHeader)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
storage:
  driver: postgres
  dsn: postgres://localhost/policylens
blobs:
  driver: s3
  bucket: claim-docs
`))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "claim-docs", cfg.Blobs.Bucket)
	assert.Equal(t, "policylens", cfg.Blobs.Prefix)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "storage:\n  driver: postgres\n",
		"unknown driver":       "storage:\n  driver: mysql\n",
		"s3 without bucket":    "blobs:\n  driver: s3\n",
		"relative base path":   "server:\n  base_path: api\n",
		"bad log format":       "log:\n  format: xml\n",
		"not yaml":             "storage: [",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "policylens.yml"), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
