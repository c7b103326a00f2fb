package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readRecords(t *testing.T, path string) []map[string]interface{} {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	return records
}

func TestLogger(t *testing.T) {
	t.Run("filter level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log")
		logger, err := NewLogger(Config{
			Level:  "info",
			Format: "json",
			Output: path,
		})
		require.NoError(t, err)

		logger.Debug("foo")
		logger.Info("bar", zap.Int("n", 3))
		require.NoError(t, logger.Sync())

		records := readRecords(t, path)
		require.Len(t, records, 1)
		assert.Equal(t, "bar", records[0]["msg"])
		assert.Equal(t, "main", records[0]["subsystem"])
		assert.Equal(t, float64(3), records[0]["n"])
	})

	t.Run("subsystem override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log")
		logger, err := NewLogger(Config{
			Level:      "warn",
			Subsystems: []string{"gossip"},
			Format:     "json",
			Output:     path,
		})
		require.NoError(t, err)

		logger.WithSubsystem("gossip").Debug("enabled")
		logger.WithSubsystem("gossip.pull").Debug("child enabled")
		logger.WithSubsystem("gossiper").Debug("disabled")
		logger.Debug("disabled")
		require.NoError(t, logger.Sync())

		records := readRecords(t, path)
		require.Len(t, records, 2)
		assert.Equal(t, "enabled", records[0]["msg"])
		assert.Equal(t, "child enabled", records[1]["msg"])
		assert.Equal(t, "gossip.pull", records[1]["subsystem"])
	})

	t.Run("unsupported level", func(t *testing.T) {
		_, err := NewLogger(Config{Level: "trace"})
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	conf := DefaultConfig()
	assert.NoError(t, conf.Validate())

	conf.Format = "xml"
	assert.Error(t, conf.Validate())
}
