package vollock

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// volumeTolerance is the band around the target inside which a reported
// volume is considered on-target and no corrective write is issued.
// Floating-point volume representations and quantized hardware steps make
// exact equality unreliable, and the band damps oscillation if two writers
// contend.
const volumeTolerance = 0.005

// TargetGetter returns the current target volume as an integer percentage
// (1-100). It is read fresh on every correction, so external updates take
// effect without rebinding.
type TargetGetter func() int

// Enforcer keeps every bound role's output volume pinned to the target by
// reacting to platform volume-change and default-device-change
// notifications. It has no internal threads and never retries on a timer;
// failed platform calls heal on the next externally-triggered event.
type Enforcer struct {
	logger    *zap.SugaredLogger
	directory DeviceDirectory
	getTarget TargetGetter
	roles     []Role

	// minted once per enforcer; every corrective write carries it, and
	// notifications echoing it back are discarded to avoid feedback loops
	eventContext string

	table *bindingTable

	stateLock sync.Mutex
	enabled   bool
	disposed  bool
}

// NewEnforcer creates an enforcer over the given device directory. roles
// selects which default-output roles to enforce; nil means all of them.
func NewEnforcer(logger *zap.SugaredLogger, directory DeviceDirectory, getTarget TargetGetter, roles []Role) *Enforcer {
	logger = logger.Named("enforcer")

	if len(roles) == 0 {
		roles = Roles
	}

	e := &Enforcer{
		logger:    logger,
		directory: directory,
		getTarget: getTarget,
		roles:     roles,
		// braced uppercase is the canonical GUID rendering on the way back
		// from the platform's notification data, so mint the tag in that
		// form to keep echo comparison exact
		eventContext: strings.ToUpper(fmt.Sprintf("{%s}", uuid.NewString())),
		table:        newBindingTable(logger),
	}

	logger.Debugw("Created enforcer instance", "eventContext", e.eventContext, "roles", roles)

	return e
}

// Enable subscribes to default-device changes and binds every enforced role.
// A role with no resolvable device simply has no binding until a later
// default-device change supplies one; that never blocks enabling.
func (e *Enforcer) Enable() {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.enabled {
		return
	}

	if err := e.directory.SubscribeDefaultChange(e.onDefaultDeviceChanged); err != nil {
		// degraded: rebinds only happen via explicit Enable/Disable cycles
		e.logger.Warnw("Failed to subscribe to default device changes", "error", err)
	}

	for _, role := range e.roles {
		e.table.bind(role, e.directory, e.onVolumeChanged)
	}

	e.enabled = true
	e.logger.Infow("Enforcer enabled", "boundRoles", e.table.boundRoles())
}

// Disable unbinds all roles and unsubscribes from default-device changes.
// Notifications already in flight are discarded via binding staleness.
func (e *Enforcer) Disable() {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	e.disableLocked()
}

func (e *Enforcer) disableLocked() {
	if !e.enabled {
		return
	}

	e.enabled = false
	e.table.unbindAll()
	e.directory.UnsubscribeDefaultChange()

	e.logger.Info("Enforcer disabled")
}

// IsEnabled reports whether the enforcer is currently enabled.
func (e *Enforcer) IsEnabled() bool {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	return e.enabled
}

// ForceToTarget writes the current target to every bound role. Valid in
// either state; it only affects roles that are currently bound. The owning
// UI calls this after changing the target value.
func (e *Enforcer) ForceToTarget() {
	e.table.forceAll(e.targetScalar(), e.eventContext)
}

// Dispose disables the enforcer and releases the device directory. Safe to
// call more than once.
func (e *Enforcer) Dispose() {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if e.disposed {
		return
	}
	e.disposed = true

	e.disableLocked()

	if err := e.directory.Release(); err != nil {
		e.logger.Warnw("Failed to release device directory", "error", err)
	}

	e.logger.Debug("Disposed enforcer instance")
}

// onVolumeChanged is invoked on the platform's notification thread for every
// volume mutation on a bound device.
func (e *Enforcer) onVolumeChanged(b *binding, event VolumeEvent) {
	// an echo of our own corrective write
	if event.EventContext == e.eventContext {
		return
	}

	target := e.targetScalar()

	// already close enough; writing here would just race other notifications
	if math.Abs(float64(event.Volume-target)) <= volumeTolerance {
		return
	}

	e.table.withCurrent(b, func(control EndpointControl) {
		e.logger.Debugw("External volume change, correcting",
			"role", b.role,
			"reported", event.Volume,
			"muted", event.Muted,
			"target", target)

		if err := control.SetVolume(target, e.eventContext); err != nil {
			e.logger.Warnw("Failed to correct volume",
				"role", b.role,
				"deviceID", control.ID(),
				"error", err)
		}
	})
}

// onDefaultDeviceChanged is invoked on the platform's notification thread
// whenever a role's default output device changes. The affected role is
// rebound and forced to target synchronously, to minimize the window where
// the new device is unlocked.
func (e *Enforcer) onDefaultDeviceChanged(role Role, newDeviceID string) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if !e.enabled {
		return
	}

	if !e.enforcesRole(role) {
		return
	}

	e.logger.Debugw("Default device changed, rebinding", "role", role, "newDeviceID", newDeviceID)

	e.table.bind(role, e.directory, e.onVolumeChanged)
	e.table.force(role, e.targetScalar(), e.eventContext)
}

func (e *Enforcer) enforcesRole(role Role) bool {
	for _, r := range e.roles {
		if r == role {
			return true
		}
	}

	return false
}

// targetScalar reads the target percentage fresh and clamps it into [0,1].
func (e *Enforcer) targetScalar() float32 {
	target := float32(e.getTarget()) / 100

	if target < 0 {
		target = 0
	} else if target > 1 {
		target = 1
	}

	return target
}
