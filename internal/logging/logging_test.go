package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	logger := Initialize("debug")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = Initialize("bogus")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestSetLevelKeepsCurrentOnBadInput(t *testing.T) {
	logger := Initialize("warn")
	SetLevel(logger, "ERROR")
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())

	SetLevel(logger, "loud")
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
}

func TestNewComponentLogger(t *testing.T) {
	logger := Initialize("info")
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)

	NewComponentLogger(logger, ComponentNVS).Info("NVS initialized")
	assert.Contains(t, buf.String(), `"component":"NVS"`)
	assert.Contains(t, buf.String(), `"message":"NVS initialized"`)
}

func TestSetupFileLogging(t *testing.T) {
	logger := Initialize("info")
	path := filepath.Join(t.TempDir(), "logs", "clock.log")

	require.NoError(t, SetupFileLogging(logger, path))
	logger.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")

	assert.NoError(t, SetupFileLogging(logger, ""))
}
