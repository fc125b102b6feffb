// Package vollock keeps the default audio output device's volume pinned to
// a user-chosen percentage by reacting to the platform's volume-change and
// default-device-change notifications.
package vollock

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dillacorn/VolLockTray/pkg/vollock/util"
)

// mutexName is the process-wide identifier used to keep a single running
// instance.
const mutexName = "VolLockTray"

// VolLock is the main entity managing all subcomponents
type VolLock struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	enforcer  *Enforcer

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewVolLock(logger *zap.SugaredLogger, verbose bool) (*VolLock, error) {
	logger = logger.Named("vollock")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	v := &VolLock{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created vollock instance")

	return v, nil
}

func (v *VolLock) currConf() *Config {
	return &v.configMan.current
}

// Initialize sets up components and starts to run in the background
func (v *VolLock) Initialize() error {
	defer v.recoverFromPanic()

	v.logger.Debug("Initializing")

	// refuse to run a second instance - two enforcers would fight each other
	if err := util.CreateMutex(mutexName); err != nil {
		v.logger.Warnw("Another instance is already running, quitting", "error", err)
		v.notifier.Notify("VolLockTray is already running!", "Check your system tray.")

		return fmt.Errorf("create instance mutex: %w", err)
	}

	// load the config for the first time
	if err := v.configMan.Load(); err != nil {
		v.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	directory, err := newDeviceDirectory(v.logger)
	if err != nil {
		v.logger.Errorw("Failed to create DeviceDirectory", "error", err)
		return fmt.Errorf("create new DeviceDirectory: %w", err)
	}

	// the enforcer reads the target fresh on every correction, so config
	// reloads and tray changes take effect without rebinding
	v.enforcer = NewEnforcer(v.logger, directory, func() int {
		return v.currConf().TargetPercent
	}, v.currConf().lockedRoles())

	if v.currConf().Locked {
		v.enforcer.Enable()
		v.enforcer.ForceToTarget()
	}

	v.setupOnConfigReload()
	v.setupInterruptHandler()
	v.applyAutostart()

	if v.currConf().DisableTray {
		v.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		v.run()
	} else {
		v.runningWithTray = true
		v.initializeTray(v.run)
	}

	return nil
}

// SetVersion causes vollock to add a version string to its tray menu if called before Initialize
func (v *VolLock) SetVersion(version string) {
	v.version = version
}

// Verbose returns a boolean indicating whether vollock is running in verbose mode
func (v *VolLock) Verbose() bool {
	return v.verbose
}

func (v *VolLock) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		v.logger.Debugw("Interrupted", "signal", signal)
		v.signalStop()
	}()
}

func (v *VolLock) setupOnConfigReload() {
	configReloadedChannel := v.configMan.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			v.logger.Info("Detected config reload, re-applying enforcement state")

			if v.currConf().Locked && !v.enforcer.IsEnabled() {
				v.enforcer.Enable()
			} else if !v.currConf().Locked && v.enforcer.IsEnabled() {
				v.enforcer.Disable()
			}

			v.enforcer.ForceToTarget()
			v.applyAutostart()
		}
	}()
}

func (v *VolLock) applyAutostart() {
	if err := util.SetAutorun(v.logger, v.currConf().Autostart); err != nil {
		v.logger.Warnw("Failed to apply autostart setting", "error", err)
	}
}

func (v *VolLock) run() {
	v.logger.Info("Run loop starting")

	go v.configMan.WatchConfigFileChanges()

	// once everything's up, give unused startup memory back to the OS
	util.TrimWorkingSet(v.logger)

	// wait until gracefully stopped
	<-v.stopChannel
	v.logger.Debug("Stop channel signaled, terminating")

	if err := v.stop(); err != nil {
		v.logger.Warnw("Failed to stop vollock", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (v *VolLock) signalStop() {
	v.logger.Debug("Signalling stop channel")
	v.stopChannel <- true
}

func (v *VolLock) stop() error {
	v.logger.Info("Stopping")

	v.configMan.StopWatchingConfigFile()

	// releases all bindings and the directory handle
	v.enforcer.Dispose()

	if v.runningWithTray {
		v.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = v.logger.Sync()

	return nil
}
