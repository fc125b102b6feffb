package vollock

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/dillacorn/VolLockTray/pkg/vollock/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	// holds values the app changes at runtime (tray-driven target changes)
	internalConfig *viper.Viper

	current Config
}

type Config struct {
	TargetPercent int `mapstructure:"target_percent"`

	Locked      bool     `mapstructure:"locked"`
	LockedRoles []string `mapstructure:"locked_roles"`

	AudioFlyout bool `mapstructure:"audio_flyout"`

	DisableTray bool `mapstructure:"disable_tray"`
	Autostart   bool `mapstructure:"autostart"`
}

const (
	userConfigFilepath     = "config.yaml"
	internalConfigFilepath = "preferences.yaml"

	userConfigName     = "config"
	internalConfigName = "preferences"

	userConfigPath = "."

	configType = "yaml"

	configKeyTargetPercent = "target_percent"
	configKeyLocked        = "locked"
	configKeyLockedRoles   = "locked_roles"
	configKeyAudioFlyout   = "audio_flyout"

	defaultTargetPercent = 20
)

var internalConfigPath = path.Join(".", logDirectory)

var validRoleNames = []string{"console", "multimedia", "communications"}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the
	// internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyTargetPercent, defaultTargetPercent)
	userConfig.SetDefault(configKeyLocked, true)
	userConfig.SetDefault(configKeyLockedRoles, validRoleNames)
	userConfig.SetDefault(configKeyAudioFlyout, false)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is optional - every key has a sensible default
	if util.FileExists(userConfigFilepath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	} else {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)
	}

	// load the internal config - this doesn't have to exist, so it can error
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"targetPercent", cc.current.TargetPercent,
		"locked", cc.current.Locked,
		"lockedRoles", cc.current.LockedRoles)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// SetTargetPercent persists a tray-driven target change to the internal
// config and re-applies it, without touching the user's config file.
func (cc *ConfigManager) SetTargetPercent(percent int) {
	cc.internalConfig.Set(configKeyTargetPercent, percent)

	if err := util.EnsureDirExists(internalConfigPath); err != nil {
		cc.logger.Warnw("Failed to ensure internal config dir exists", "error", err)
	} else if err := cc.internalConfig.WriteConfigAs(path.Join(internalConfigPath, internalConfigFilepath)); err != nil {
		cc.logger.Warnw("Failed to write internal config", "error", err)
	}

	cc.current.TargetPercent = percent
	cc.logger.Infow("Target updated", "targetPercent", percent)
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	// runtime preferences take precedence over the user config file
	if cc.internalConfig.IsSet(configKeyTargetPercent) {
		cc.current.TargetPercent = cc.internalConfig.GetInt(configKeyTargetPercent)
	}

	cc.sanitize()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

// sanitize clamps the target into its valid range and drops unknown role
// names so a typo in the config can't silently unlock anything.
func (cc *ConfigManager) sanitize() {
	if cc.current.TargetPercent < 1 {
		cc.logger.Warnw("Target percent below valid range, clamping", "targetPercent", cc.current.TargetPercent)
		cc.current.TargetPercent = 1
	} else if cc.current.TargetPercent > 100 {
		cc.logger.Warnw("Target percent above valid range, clamping", "targetPercent", cc.current.TargetPercent)
		cc.current.TargetPercent = 100
	}

	roles := make([]string, 0, len(cc.current.LockedRoles))
	for _, role := range cc.current.LockedRoles {
		role = strings.ToLower(strings.TrimSpace(role))

		if !funk.ContainsString(validRoleNames, role) {
			cc.logger.Warnw("Ignoring unknown role name in locked_roles", "role", role)
			continue
		}

		if !funk.ContainsString(roles, role) {
			roles = append(roles, role)
		}
	}

	if len(roles) == 0 {
		roles = validRoleNames
	}

	cc.current.LockedRoles = roles
}

// lockedRoles translates the configured role names to enforcer roles.
func (c *Config) lockedRoles() []Role {
	roles := make([]Role, 0, len(c.LockedRoles))

	for _, name := range c.LockedRoles {
		switch name {
		case "console":
			roles = append(roles, RoleConsole)
		case "multimedia":
			roles = append(roles, RoleMultimedia)
		case "communications":
			roles = append(roles, RoleCommunications)
		}
	}

	return roles
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
