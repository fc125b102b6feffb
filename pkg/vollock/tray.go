package vollock

import (
	"fmt"

	"fyne.io/systray"

	"github.com/dillacorn/VolLockTray/pkg/vollock/util"
)

// target presets offered in the tray menu, in percent
var trayTargetPresets = []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

func (v *VolLock) initializeTray(onDone func()) {
	logger := v.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(LogoIconData, LogoIconData)
		systray.SetTitle("VolLockTray")
		systray.SetTooltip("VolLockTray")

		locked := systray.AddMenuItemCheckbox("Lock volume", "Keep the output volume pinned to the target", v.enforcer.IsEnabled())

		target := systray.AddMenuItem(fmt.Sprintf("Target: %d%%", v.currConf().TargetPercent), "Choose the volume to lock to")
		presetItems := make([]*systray.MenuItem, len(trayTargetPresets))
		for i, preset := range trayTargetPresets {
			presetItems[i] = target.AddSubMenuItem(fmt.Sprintf("%d%%", preset), "")
		}

		forceNow := systray.AddMenuItem("Force volume now", "Re-apply the target volume immediately")

		systray.AddSeparator()
		autostart := systray.AddMenuItemCheckbox("Start with system", "Run VolLockTray automatically at login", v.currConf().Autostart)
		editConfig := systray.AddMenuItem("Edit configuration", "Open the config file in an editor")

		if v.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(v.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop VolLockTray and quit")

		// preset clicks funnel into one channel so the main loop below
		// stays a single select
		targetChosen := make(chan int)
		for i, item := range presetItems {
			go func(clicked <-chan struct{}, percent int) {
				for range clicked {
					targetChosen <- percent
				}
			}(item.ClickedCh, trayTargetPresets[i])
		}

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					v.signalStop()

				case <-locked.ClickedCh:
					if v.enforcer.IsEnabled() {
						logger.Info("Lock menu item unchecked, disabling enforcement")
						v.enforcer.Disable()
						locked.Uncheck()
					} else {
						logger.Info("Lock menu item checked, enabling enforcement")
						v.enforcer.Enable()
						v.enforcer.ForceToTarget()
						locked.Check()
					}

				case percent := <-targetChosen:
					logger.Infow("Target preset clicked", "targetPercent", percent)

					v.configMan.SetTargetPercent(percent)
					v.enforcer.ForceToTarget()
					target.SetTitle(fmt.Sprintf("Target: %d%%", percent))

					v.maybeShowAudioFlyout()

				case <-forceNow.ClickedCh:
					logger.Info("Force menu item clicked, re-applying target")
					v.enforcer.ForceToTarget()

				case <-autostart.ClickedCh:
					enable := !autostart.Checked()
					logger.Infow("Autostart menu item clicked", "enable", enable)

					if err := util.SetAutorun(logger, enable); err != nil {
						logger.Warnw("Failed to update autostart registration", "error", err)
					} else if enable {
						autostart.Check()
					} else {
						autostart.Uncheck()
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					// TODO: make editor configurable
					editor := "notepad.exe"
					if util.Linux() {
						editor = "gedit"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (v *VolLock) maybeShowAudioFlyout() {
	if !v.currConf().AudioFlyout {
		return
	}

	if err := ShowAudioFlyout(); err != nil {
		v.logger.Warnw("Cannot display audio flyout", "error", err)
	}
}

func (v *VolLock) stopTray() {
	v.logger.Debug("Quitting tray")
	systray.Quit()
}
