package vollock

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

type wcaDeviceDirectory struct {
	logger         *zap.SugaredLogger
	endpointLogger *zap.SugaredLogger

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient

	onDefaultChange func(role Role, newDeviceID string)
}

func newDeviceDirectory(logger *zap.SugaredLogger) (DeviceDirectory, error) {
	dd := &wcaDeviceDirectory{
		logger:         logger.Named("device_directory"),
		endpointLogger: logger.Named("endpoints"),
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) {
			if oleError.Code() == eFalse {
				dd.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
			} else {
				dd.logger.Warnw("Failed to call CoInitializeEx",
					"isOleError", true,
					"error", err,
					"oleError", oleError)

				return nil, fmt.Errorf("call CoInitializeEx: %w", err)
			}
		} else {
			dd.logger.Warnw("Failed to call CoInitializeEx",
				"isOleError", false,
				"error", err,
				"oleError", nil)

			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&dd.mmDeviceEnumerator,
	); err != nil {
		dd.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	dd.logger.Debug("Created WCA device directory instance")
	return dd, nil
}

func (dd *wcaDeviceDirectory) Resolve(role Role) (EndpointControl, error) {
	var mmDevice *wca.IMMDevice

	if err := dd.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, roleToWCA(role), &mmDevice); err != nil {
		// this is the "no active output device" case, not a hard failure
		dd.logger.Debugw("No default audio endpoint for role", "role", role, "error", err)
		return nil, ErrNoDefaultDevice
	}
	defer mmDevice.Release()

	var endpointID string
	if err := mmDevice.GetId(&endpointID); err != nil {
		dd.logger.Warnw("Failed to get endpoint ID of default device", "role", role, "error", err)
		return nil, fmt.Errorf("get default device endpointID: %w", err)
	}

	var endpointVolume *wca.IAudioEndpointVolume
	if err := mmDevice.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &endpointVolume); err != nil {
		dd.logger.Warnw("Failed to activate AudioEndpointVolume for default device",
			"role", role,
			"endpointID", endpointID,
			"error", err)

		return nil, fmt.Errorf("activate endpoint volume: %w", err)
	}

	return &wcaEndpointControl{
		logger:         dd.endpointLogger,
		endpointID:     endpointID,
		endpointVolume: endpointVolume,
	}, nil
}

func (dd *wcaDeviceDirectory) SubscribeDefaultChange(onChange func(role Role, newDeviceID string)) error {
	dd.onDefaultChange = onChange

	callback := wca.IMMNotificationClientCallback{
		OnDefaultDeviceChanged: dd.defaultDeviceChangedCallback,
	}

	dd.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := dd.mmDeviceEnumerator.RegisterEndpointNotificationCallback(dd.mmNotificationClient); err != nil {
		dd.mmNotificationClient = nil
		dd.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (dd *wcaDeviceDirectory) UnsubscribeDefaultChange() {
	if dd.mmNotificationClient == nil {
		return
	}

	if err := dd.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(dd.mmNotificationClient); err != nil {
		dd.logger.Warnw("Failed to call UnregisterEndpointNotificationCallback", "error", err)
	}

	dd.mmNotificationClient = nil
	dd.onDefaultChange = nil
}

func (dd *wcaDeviceDirectory) Release() error {
	dd.UnsubscribeDefaultChange()

	if dd.mmDeviceEnumerator != nil {
		dd.mmDeviceEnumerator.Release()
		dd.mmDeviceEnumerator = nil
	}

	ole.CoUninitialize()

	dd.logger.Debug("Released WCA device directory instance")
	return nil
}

func (dd *wcaDeviceDirectory) defaultDeviceChangedCallback(dataFlow wca.EDataFlow, role wca.ERole, identifier string) error {
	// we only track output devices
	if dataFlow != wca.ERender {
		return nil
	}

	onChange := dd.onDefaultChange
	if onChange == nil {
		return nil
	}

	dd.logger.Debugw("Default output device changed", "role", roleFromWCA(role), "newDeviceID", identifier)

	// rebinding must happen synchronously within the notification's turn to
	// minimize the window where the new default device is unlocked
	onChange(roleFromWCA(role), identifier)

	return nil
}

func roleToWCA(role Role) uint32 {
	switch role {
	case RoleMultimedia:
		return wca.EMultimedia
	case RoleCommunications:
		return wca.ECommunications
	default:
		return wca.EConsole
	}
}

func roleFromWCA(role wca.ERole) Role {
	switch role {
	case wca.EMultimedia:
		return RoleMultimedia
	case wca.ECommunications:
		return RoleCommunications
	default:
		return RoleConsole
	}
}

// wcaEndpointControl wraps one device's IAudioEndpointVolume surface.
type wcaEndpointControl struct {
	logger *zap.SugaredLogger

	endpointID     string
	endpointVolume *wca.IAudioEndpointVolume

	callbackLock   sync.Mutex
	volumeCallback *audioEndpointVolumeCallback
}

func (c *wcaEndpointControl) ID() string {
	return c.endpointID
}

func (c *wcaEndpointControl) Volume() (float32, error) {
	var level float32

	if err := c.endpointVolume.GetMasterVolumeLevelScalar(&level); err != nil {
		c.logger.Warnw("Failed to get master volume level",
			"endpointID", c.endpointID,
			"error", err)

		return 0, fmt.Errorf("get master volume level scalar: %w", err)
	}

	return level, nil
}

func (c *wcaEndpointControl) SetVolume(level float32, eventContext string) error {
	if err := c.endpointVolume.SetMasterVolumeLevelScalar(level, ole.NewGUID(eventContext)); err != nil {
		c.logger.Warnw("Failed to set master volume level",
			"endpointID", c.endpointID,
			"level", level,
			"error", err)

		return fmt.Errorf("set master volume level scalar: %w", err)
	}

	return nil
}

func (c *wcaEndpointControl) Subscribe(onEvent func(VolumeEvent)) error {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()

	if c.volumeCallback != nil {
		return errors.New("volume change subscription already registered")
	}

	avc := newAudioEndpointVolumeCallback(func(data *audioVolumeNotificationData) {
		onEvent(volumeEventFromNotification(data))
	})

	if err := c.registerControlChangeNotify(avc); err != nil {
		c.logger.Warnw("Failed to register control change notification",
			"endpointID", c.endpointID,
			"error", err)

		return fmt.Errorf("register control change notify: %w", err)
	}

	c.volumeCallback = avc
	return nil
}

func (c *wcaEndpointControl) Unsubscribe() error {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()

	return c.unsubscribeLocked()
}

func (c *wcaEndpointControl) unsubscribeLocked() error {
	if c.volumeCallback == nil {
		return nil
	}

	if err := c.unregisterControlChangeNotify(c.volumeCallback); err != nil {
		c.logger.Warnw("Failed to unregister control change notification",
			"endpointID", c.endpointID,
			"error", err)

		return fmt.Errorf("unregister control change notify: %w", err)
	}

	c.volumeCallback = nil
	return nil
}

// go-wca's RegisterControlChangeNotify and UnregisterControlChangeNotify
// wrappers are E_NOTIMPL stubs, so registration goes through the raw vtable
// slots directly.
func (c *wcaEndpointControl) registerControlChangeNotify(callback *audioEndpointVolumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		c.endpointVolume.VTable().RegisterControlChangeNotify,
		uintptr(unsafe.Pointer(c.endpointVolume)),
		uintptr(unsafe.Pointer(callback)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

func (c *wcaEndpointControl) unregisterControlChangeNotify(callback *audioEndpointVolumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		c.endpointVolume.VTable().UnregisterControlChangeNotify,
		uintptr(unsafe.Pointer(c.endpointVolume)),
		uintptr(unsafe.Pointer(callback)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

func (c *wcaEndpointControl) Release() error {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()

	// the device may have just been removed; unregistering can fail then
	_ = c.unsubscribeLocked()

	if c.endpointVolume != nil {
		c.endpointVolume.Release()
		c.endpointVolume = nil
	}

	c.logger.Debugw("Released endpoint control", "endpointID", c.endpointID)
	return nil
}
