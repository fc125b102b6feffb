package vollock

import "errors"

// Role identifies one of the default-output slots the platform tracks
// independently. Windows keeps a separate default device per role; on other
// platforms only the console role is meaningful.
type Role int

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

// Roles lists every role the enforcer binds.
var Roles = []Role{RoleConsole, RoleMultimedia, RoleCommunications}

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	}

	return "unknown"
}

// ErrNoDefaultDevice is returned by Resolve when no output device is
// currently active for the requested role. Callers tolerate it silently -
// the role simply stays unbound until a default-device change supplies one.
var ErrNoDefaultDevice = errors.New("no default output device for role")

// VolumeEvent describes a single volume mutation on an endpoint, from any
// source (including our own writes, which echo back the event context they
// were tagged with).
type VolumeEvent struct {
	EventContext string
	Muted        bool
	Volume       float32
}

// EndpointControl wraps a single output device's master volume surface.
// Holding one pins the underlying OS resource; Release must be called once
// the control is no longer needed.
type EndpointControl interface {
	// ID returns the platform identifier of the underlying device.
	ID() string

	Volume() (float32, error)

	// SetVolume writes a scalar volume in [0,1], tagged with the given
	// event context so the resulting notification can be attributed.
	SetVolume(level float32, eventContext string) error

	// Subscribe registers onEvent for every volume mutation on this device.
	// At most one subscription is live per control.
	Subscribe(onEvent func(VolumeEvent)) error
	Unsubscribe() error

	// Release unsubscribes if needed and frees the underlying handle.
	Release() error
}

// DeviceDirectory resolves the platform's current default output device per
// role and reports default-device transitions.
type DeviceDirectory interface {
	Resolve(role Role) (EndpointControl, error)

	// SubscribeDefaultChange registers onChange to be invoked once per
	// default-output-device transition, including per-role transitions.
	SubscribeDefaultChange(onChange func(role Role, newDeviceID string)) error
	UnsubscribeDefaultChange()

	Release() error
}
