package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

const autostartDesktopEntry = `[Desktop Entry]
Type=Application
Name=VolLockTray
Exec=%s
X-GNOME-Autostart-enabled=true
`

// CreateMutex emulates a global named mutex with a pid lockfile. The pid
// inside is checked for liveness (and for actually being us) so a stale
// file from a crashed run doesn't block startup.
func CreateMutex(name string) error {
	lockFile := strings.ToLower(name) + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
		lockProcessId, err := strconv.Atoi(strings.TrimSpace(string(lockContent)))
		if err == nil {
			process, err := ps.FindProcess(lockProcessId)
			if err == nil && process != nil {
				ourselves, _ := ps.FindProcess(currentPid)
				if ourselves == nil || process.Executable() == ourselves.Executable() {
					return fmt.Errorf("another instance is running with pid %d", lockProcessId)
				}
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("cannot instantiate mutex")
	}
	defer f.Close()

	if _, err = f.Write([]byte(strconv.Itoa(currentPid))); err != nil {
		return fmt.Errorf("cannot instantiate mutex")
	}

	return nil
}

// SetAutorun registers (or removes) an XDG autostart entry for the current
// executable
func SetAutorun(logger *zap.SugaredLogger, enabled bool) error {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("get user config dir: %w", err)
	}

	autostartDir := filepath.Join(configDir, "autostart")
	desktopPath := filepath.Join(autostartDir, "vollocktray.desktop")

	if !enabled {
		if err := os.Remove(desktopPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove autostart desktop entry: %w", err)
		}

		logger.Debug("Removed autostart desktop entry")
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get own executable path: %w", err)
	}

	if err := EnsureDirExists(autostartDir); err != nil {
		return err
	}

	entry := fmt.Sprintf(autostartDesktopEntry, executable)
	if err := os.WriteFile(desktopPath, []byte(entry), 0664); err != nil {
		return fmt.Errorf("write autostart desktop entry: %w", err)
	}

	logger.Debugw("Registered autostart desktop entry", "path", desktopPath)
	return nil
}

// TrimWorkingSet is a Windows concept; the Linux allocator hands memory
// back on its own.
func TrimWorkingSet(logger *zap.SugaredLogger) {}
