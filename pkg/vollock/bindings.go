package vollock

import (
	"sync"

	"go.uber.org/zap"
)

// binding is the live association between a role, its resolved device's
// volume control and that control's notification subscription.
type binding struct {
	role       Role
	control    EndpointControl
	subscribed bool
}

// bindingTable maps each role to its current binding and owns the full
// bind/unbind lifecycle. It is the single piece of mutable shared state in
// the enforcer: both the control thread and the platform's notification
// threads mutate it, so everything goes through one mutex.
type bindingTable struct {
	logger *zap.SugaredLogger

	lock    sync.Mutex
	current map[Role]*binding
}

func newBindingTable(logger *zap.SugaredLogger) *bindingTable {
	return &bindingTable{
		logger:  logger.Named("bindings"),
		current: make(map[Role]*binding),
	}
}

// bind resolves the role's default device through the directory and installs
// a fresh binding for it, tearing down any previous binding for the role
// first. Resolution and activation failures leave the role unbound; a
// subscription failure keeps the binding but degrades it to explicit forced
// writes only.
func (bt *bindingTable) bind(role Role, directory DeviceDirectory, onEvent func(*binding, VolumeEvent)) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	// fully release the old binding before installing a replacement
	bt.unbindLocked(role)

	control, err := directory.Resolve(role)
	if err != nil {
		// no active device for this role right now - that's fine, a later
		// default-device change will supply one
		bt.logger.Debugw("Role stays unbound", "role", role, "error", err)
		return
	}

	b := &binding{role: role, control: control}

	if err := control.Subscribe(func(event VolumeEvent) {
		onEvent(b, event)
	}); err != nil {
		bt.logger.Warnw("Failed to subscribe to volume change notifications",
			"role", role,
			"deviceID", control.ID(),
			"error", err)
	} else {
		b.subscribed = true
	}

	bt.current[role] = b
	bt.logger.Debugw("Bound role to device", "role", role, "deviceID", control.ID())
}

// unbind releases the role's binding. Safe to call on an unbound role.
func (bt *bindingTable) unbind(role Role) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	bt.unbindLocked(role)
}

func (bt *bindingTable) unbindAll() {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	for role := range bt.current {
		bt.unbindLocked(role)
	}
}

func (bt *bindingTable) unbindLocked(role Role) {
	b, ok := bt.current[role]
	if !ok {
		return
	}

	if err := b.control.Release(); err != nil {
		bt.logger.Warnw("Failed to release endpoint control",
			"role", role,
			"deviceID", b.control.ID(),
			"error", err)
	}

	delete(bt.current, role)
	bt.logger.Debugw("Unbound role", "role", role)
}

// withCurrent runs fn on b's control only if b is still the installed
// binding for its role. Notifications that were already in flight when their
// binding was torn down land here and get discarded.
func (bt *bindingTable) withCurrent(b *binding, fn func(EndpointControl)) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	if bt.current[b.role] != b {
		bt.logger.Debugw("Discarding notification for stale binding", "role", b.role)
		return
	}

	fn(b.control)
}

// force writes target to the given role's control, if bound. Write failures
// are logged and dropped - the next notification or explicit force retries
// implicitly.
func (bt *bindingTable) force(role Role, target float32, eventContext string) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	bt.forceLocked(role, target, eventContext)
}

// forceAll writes target to every bound role's control. A failure on one
// role must not block correction on the others.
func (bt *bindingTable) forceAll(target float32, eventContext string) {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	for role := range bt.current {
		bt.forceLocked(role, target, eventContext)
	}
}

func (bt *bindingTable) forceLocked(role Role, target float32, eventContext string) {
	b, ok := bt.current[role]
	if !ok {
		return
	}

	if err := b.control.SetVolume(target, eventContext); err != nil {
		bt.logger.Warnw("Failed to write target volume",
			"role", role,
			"deviceID", b.control.ID(),
			"target", target,
			"error", err)
	}
}

// boundRoles returns the roles that currently have a live binding.
func (bt *bindingTable) boundRoles() []Role {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	roles := make([]Role, 0, len(bt.current))
	for role := range bt.current {
		roles = append(roles, role)
	}

	return roles
}
