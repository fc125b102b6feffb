package vollock

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dillacorn/VolLockTray/pkg/vollock/util"
)

const (
	logDirectory = "logs"
	logFilename  = "vollock-latest-run.log"

	buildTypeRelease = "release"
)

// NewLogger provides a logger instance for the entire application. Release
// builds log to a file under the logs directory, everything else logs to
// the console.
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"

		// delete old log file if it exists, we want fresh logs per run
		if util.FileExists(loggerConfig.OutputPaths[0]) {
			if err := os.Remove(loggerConfig.OutputPaths[0]); err != nil {
				return nil, fmt.Errorf("delete old log file: %w", err)
			}
		}
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	// all build types share the same human-readable encoding settings
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.DisableStacktrace = true

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
