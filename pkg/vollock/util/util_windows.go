package util

import (
	"errors"
	"fmt"
	"os"

	"github.com/rodolfoag/gow32"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const (
	autorunKeyPath   = `Software\Microsoft\Windows\CurrentVersion\Run`
	autorunValueName = "VolLockTray"
)

// CreateMutex acquires a global named mutex, failing if another process
// already holds it
func CreateMutex(name string) error {
	// cannot use w32.CreateMutex as it doesn't return an error
	// relying on OS to release it on program exit
	_, err := gow32.CreateMutex("Global//" + name)
	return err
}

// SetAutorun registers (or removes) the current executable in the per-user
// Run key, so the app starts at login
func SetAutorun(logger *zap.SugaredLogger, enabled bool) error {
	key, err := registry.OpenKey(registry.CURRENT_USER, autorunKeyPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open autorun registry key: %w", err)
	}
	defer key.Close()

	if !enabled {
		if err := key.DeleteValue(autorunValueName); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return fmt.Errorf("delete autorun registry value: %w", err)
		}

		logger.Debug("Removed autorun registration")
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get own executable path: %w", err)
	}

	if err := key.SetStringValue(autorunValueName, executable); err != nil {
		return fmt.Errorf("set autorun registry value: %w", err)
	}

	logger.Debugw("Registered for autorun", "executable", executable)
	return nil
}

// TrimWorkingSet gives the process's unused startup memory back to the OS.
// Purely cosmetic (task manager numbers), so failures only get logged.
func TrimWorkingSet(logger *zap.SugaredLogger) {
	process := windows.CurrentProcess()

	// -1 for both sizes means "trim whatever you can"
	if err := windows.SetProcessWorkingSetSizeEx(process, ^uintptr(0), ^uintptr(0), 0); err != nil {
		logger.Debugw("Failed to trim working set", "error", err)
	}
}
