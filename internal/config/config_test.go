package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	return file
}

func TestExplicitFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	file := writeConfig(t, `{
		"defaults": { "connect_timeout": "2s", "queue_size": 4 },
		"sessions": [ { "name": "plc", "url": "opc.tcp://plc:4840", "options": "nodes-max=10" } ],
		"items": [ { "name": "t1", "session": "plc", "ns": 2, "identifier": "i=1001", "queue_size": 3 } ],
		"bindings": [ { "name": "b1", "item": "t1", "sink": "log" } ]
	}`)

	cfg, err := GetConfigs(file, logger)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Defaults.ConnectTimeout)
	assert.EqualValues(t, 4, cfg.Defaults.QueueSize)
	// untouched keys keep their defaults
	assert.Equal(t, 100.0, cfg.Defaults.PublishingInterval)
	assert.Equal(t, 1.5, cfg.Defaults.ClientQueueFactor)

	require.Len(t, cfg.Sessions, 1)
	assert.Equal(t, "nodes-max=10", cfg.Sessions[0].Options)
	require.Len(t, cfg.Items, 1)
	require.NotNil(t, cfg.Items[0].QueueSize)
	assert.EqualValues(t, 3, *cfg.Items[0].QueueSize)
	assert.Nil(t, cfg.Items[0].DiscardOldest)
	assert.Equal(t, "uabridge", cfg.MQTTConfig.TopicPrefix)
}

func TestMissingExplicitFile(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := GetConfigs(filepath.Join(t.TempDir(), "nope.json"), logger)
	assert.Error(t, err)
}

func TestDefaultConfigWhenNoneFound(t *testing.T) {
	logger, hook := test.NewNullLogger()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err := GetConfigs("", logger)
	require.NoError(t, err)
	assert.Equal(t, "sim", cfg.Sessions[0].Name)
	assert.Len(t, cfg.Items, 2)
	assert.NotEmpty(t, hook.AllEntries())
}

func TestValidation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	file := writeConfig(t, `{
		"items": [ { "name": "t1", "session": "plc", "subscription": "sub", "identifier": "x" } ]
	}`)
	_, err := GetConfigs(file, logger)
	assert.True(t, errors.Is(err, ErrConfig))
}
