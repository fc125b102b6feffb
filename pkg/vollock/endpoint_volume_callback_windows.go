package vollock

import (
	"syscall"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
)

// audioVolumeNotificationData mirrors AUDIO_VOLUME_NOTIFICATION_DATA from
// endpointvolume.h; notifications are decoded straight from the pointer the
// platform hands the callback. Per-channel volumes follow nChannels but are
// not consumed.
type audioVolumeNotificationData struct {
	guidEventContext ole.GUID
	bMuted           int32
	fMasterVolume    float32
	nChannels        uint32
	afChannelVolumes [1]float32
}

func volumeEventFromNotification(data *audioVolumeNotificationData) VolumeEvent {
	return VolumeEvent{
		EventContext: data.guidEventContext.String(),
		Muted:        data.bMuted != 0,
		Volume:       data.fMasterVolume,
	}
}

// audioEndpointVolumeCallback implements the IAudioEndpointVolumeCallback
// COM interface; go-wca only ships its IID. The vtable pointer must be the
// struct's first field.
type audioEndpointVolumeCallback struct {
	vTable   *audioEndpointVolumeCallbackVtbl
	onNotify func(*audioVolumeNotificationData)
}

type audioEndpointVolumeCallbackVtbl struct {
	queryInterface uintptr
	addRef         uintptr
	release        uintptr
	onNotify       uintptr
}

func newAudioEndpointVolumeCallback(onNotify func(*audioVolumeNotificationData)) *audioEndpointVolumeCallback {
	return &audioEndpointVolumeCallback{
		vTable: &audioEndpointVolumeCallbackVtbl{
			queryInterface: syscall.NewCallback(aevcQueryInterface),
			addRef:         syscall.NewCallback(aevcAddRef),
			release:        syscall.NewCallback(aevcRelease),
			onNotify:       syscall.NewCallback(aevcOnNotify),
		},
		onNotify: onNotify,
	}
}

func aevcQueryInterface(this unsafe.Pointer, riid *ole.GUID, ppvObject *unsafe.Pointer) uintptr {
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, wca.IID_IAudioEndpointVolumeCallback) {
		*ppvObject = this
		return uintptr(ole.S_OK)
	}

	*ppvObject = nil
	return uintptr(ole.E_NOINTERFACE)
}

// the object lives exactly as long as its registration, which the owning
// endpoint control manages; refcounting is a no-op
func aevcAddRef(this unsafe.Pointer) uintptr {
	return 1
}

func aevcRelease(this unsafe.Pointer) uintptr {
	return 1
}

func aevcOnNotify(this unsafe.Pointer, pNotify *audioVolumeNotificationData) uintptr {
	callback := (*audioEndpointVolumeCallback)(this)
	if callback.onNotify != nil && pNotify != nil {
		callback.onNotify(pNotify)
	}

	// a failing HRESULT here would stop further notifications
	return uintptr(ole.S_OK)
}
