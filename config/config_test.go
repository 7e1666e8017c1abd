package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	conf := DefaultConf
	require.NoError(t, conf.Validate())

	conf.NumLocks = 1000 // not a power of two
	assert.Error(t, conf.Validate())
	conf.NumLocks = 32 // too small
	assert.Error(t, conf.Validate())
	conf.NumLocks = 1 << 10
	require.NoError(t, conf.Validate())

	conf.MaxWriteSet = 0
	assert.Error(t, conf.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinystm-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "stm.toml")
	content := []byte("num-locks = 65536\nlog-level = \"debug\"\n")
	require.NoError(t, ioutil.WriteFile(path, content, 0644))

	conf, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 65536, conf.NumLocks)
	assert.Equal(t, "debug", conf.LogLevel)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultConf.MaxWriteSet, conf.MaxWriteSet)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, ioutil.WriteFile(bad, []byte("num-locks = 1000\n"), 0644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}
