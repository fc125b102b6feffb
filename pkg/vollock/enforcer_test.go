package vollock

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWrite struct {
	level        float32
	eventContext string
}

type fakeControl struct {
	id string

	lock         sync.Mutex
	volume       float32
	onEvent      func(VolumeEvent)
	subscribeErr error
	setErr       error
	writes       []fakeWrite
	released     bool
}

func (c *fakeControl) ID() string { return c.id }

func (c *fakeControl) Volume() (float32, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.volume, nil
}

func (c *fakeControl) SetVolume(level float32, eventContext string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.setErr != nil {
		return c.setErr
	}

	c.volume = level
	c.writes = append(c.writes, fakeWrite{level: level, eventContext: eventContext})
	return nil
}

func (c *fakeControl) Subscribe(onEvent func(VolumeEvent)) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.subscribeErr != nil {
		return c.subscribeErr
	}

	c.onEvent = onEvent
	return nil
}

func (c *fakeControl) Unsubscribe() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.onEvent = nil
	return nil
}

func (c *fakeControl) Release() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.onEvent = nil
	c.released = true
	return nil
}

// emit simulates a platform volume-change notification
func (c *fakeControl) emit(event VolumeEvent) {
	c.lock.Lock()
	onEvent := c.onEvent
	c.lock.Unlock()

	if onEvent != nil {
		onEvent(event)
	}
}

// handler returns the raw subscribed callback, to simulate notifications
// that were already in flight when the subscription was torn down
func (c *fakeControl) handler() func(VolumeEvent) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.onEvent
}

func (c *fakeControl) writeCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.writes)
}

func (c *fakeControl) lastWrite() fakeWrite {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.writes[len(c.writes)-1]
}

type fakeDirectory struct {
	lock sync.Mutex

	devices      map[Role]*fakeControl
	resolveCalls map[Role]int

	onChange         func(Role, string)
	subscribeErr     error
	subscribeCount   int
	unsubscribeCount int
	releaseCount     int
}

func newFakeDirectory(devices map[Role]*fakeControl) *fakeDirectory {
	return &fakeDirectory{
		devices:      devices,
		resolveCalls: make(map[Role]int),
	}
}

func (d *fakeDirectory) Resolve(role Role) (EndpointControl, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.resolveCalls[role]++

	control, ok := d.devices[role]
	if !ok {
		return nil, ErrNoDefaultDevice
	}

	return control, nil
}

func (d *fakeDirectory) SubscribeDefaultChange(onChange func(role Role, newDeviceID string)) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.subscribeErr != nil {
		return d.subscribeErr
	}

	d.subscribeCount++
	d.onChange = onChange
	return nil
}

func (d *fakeDirectory) UnsubscribeDefaultChange() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.unsubscribeCount++
	d.onChange = nil
}

func (d *fakeDirectory) Release() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.releaseCount++
	return nil
}

// setDevice swaps the default device for a role, like the OS would when the
// user plugs in headphones
func (d *fakeDirectory) setDevice(role Role, control *fakeControl) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.devices[role] = control
}

// fireDefaultChange simulates the platform's default-device-change
// notification, delivered synchronously like the real callback
func (d *fakeDirectory) fireDefaultChange(role Role, newDeviceID string) {
	d.lock.Lock()
	onChange := d.onChange
	d.lock.Unlock()

	if onChange != nil {
		onChange(role, newDeviceID)
	}
}

func testEnforcer(t *testing.T, directory DeviceDirectory, target *int, roles []Role) *Enforcer {
	t.Helper()

	return NewEnforcer(zap.NewNop().Sugar(), directory, func() int {
		return *target
	}, roles)
}

func allFakeDevices() map[Role]*fakeControl {
	return map[Role]*fakeControl{
		RoleConsole:        {id: "console-dev"},
		RoleMultimedia:     {id: "multimedia-dev"},
		RoleCommunications: {id: "communications-dev"},
	}
}

func TestForceToTargetWritesEveryBoundRole(t *testing.T) {
	for _, percent := range []int{1, 25, 50, 80, 99, 100} {
		t.Run(fmt.Sprintf("%d%%", percent), func(t *testing.T) {
			devices := allFakeDevices()
			directory := newFakeDirectory(devices)

			target := percent
			enforcer := testEnforcer(t, directory, &target, nil)

			enforcer.Enable()
			enforcer.ForceToTarget()

			for role, control := range devices {
				require.Equal(t, 1, control.writeCount(), "role %s", role)
				assert.InDelta(t, float64(percent)/100, control.lastWrite().level, volumeTolerance)
			}
		})
	}
}

func TestForceToTargetClampsOutOfRangeTargets(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)

	target := 150
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()
	enforcer.ForceToTarget()

	require.Equal(t, 1, devices[RoleConsole].writeCount())
	assert.Equal(t, float32(1), devices[RoleConsole].lastWrite().level)
}

func TestEnableIsIdempotent(t *testing.T) {
	devices := allFakeDevices()
	directory := newFakeDirectory(devices)

	target := 50
	enforcer := testEnforcer(t, directory, &target, nil)

	enforcer.Enable()
	enforcer.Enable()

	assert.True(t, enforcer.IsEnabled())
	assert.Equal(t, 1, directory.subscribeCount)
	assert.Len(t, enforcer.table.boundRoles(), 3)

	for role := range devices {
		assert.Equal(t, 1, directory.resolveCalls[role], "role %s resolved more than once", role)
	}
}

func TestSelfNotificationIsSuppressed(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()
	enforcer.ForceToTarget()

	require.Equal(t, 1, control.writeCount())
	ownTag := control.lastWrite().eventContext

	// the platform echoes our own write back; even off-target echoes (e.g.
	// a quantized hardware step) must never trigger another write
	for i := 0; i < 25; i++ {
		control.emit(VolumeEvent{EventContext: ownTag, Volume: 0.10})
	}

	assert.Equal(t, 1, control.writeCount(), "write amplification detected")
}

func TestSelfTagSurvivesPlatformGUIDFormatting(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	// echoed event contexts come back through the platform's GUID
	// formatting, which renders braced uppercase hex; the minted tag must
	// already be in that canonical form or no echo would ever match it
	require.Equal(t, strings.ToUpper(enforcer.eventContext), enforcer.eventContext)
	require.Regexp(t,
		`^\{[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}\}$`,
		enforcer.eventContext)

	enforcer.Enable()
	enforcer.ForceToTarget()
	require.Equal(t, 1, control.writeCount())

	// the target moves while our own echo is still in flight: the echo now
	// looks off-target, but its tag matches and it must be discarded
	target = 30
	control.emit(VolumeEvent{EventContext: enforcer.eventContext, Volume: 0.80})

	assert.Equal(t, 1, control.writeCount(), "own-tagged echo must not trigger a correction")
}

func TestExternalChangeTriggersExactlyOneCorrection(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	control.emit(VolumeEvent{EventContext: "{11111111-2222-3333-4444-555555555555}", Volume: 0.50})

	require.Equal(t, 1, control.writeCount())
	write := control.lastWrite()
	assert.InDelta(t, 0.80, write.level, volumeTolerance)
	assert.Equal(t, enforcer.eventContext, write.eventContext)
}

func TestChangeWithinToleranceBandIsIgnored(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	control.emit(VolumeEvent{EventContext: "{11111111-2222-3333-4444-555555555555}", Volume: 0.803})

	assert.Zero(t, control.writeCount())
}

func TestTargetIsReadFreshOnEveryCorrection(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	control.emit(VolumeEvent{EventContext: "{foreign}", Volume: 0.50})
	require.Equal(t, 1, control.writeCount())
	assert.InDelta(t, 0.80, control.lastWrite().level, volumeTolerance)

	// no rebind needed for a new target to take effect
	target = 30
	control.emit(VolumeEvent{EventContext: "{foreign}", Volume: 0.80})
	require.Equal(t, 2, control.writeCount())
	assert.InDelta(t, 0.30, control.lastWrite().level, volumeTolerance)
}

func TestDefaultDeviceChangeRebindsAndForces(t *testing.T) {
	deviceA := &fakeControl{id: "device-a"}
	deviceB := &fakeControl{id: "device-b"}

	directory := newFakeDirectory(map[Role]*fakeControl{RoleConsole: deviceA})

	target := 60
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()
	require.NotNil(t, deviceA.handler())

	// user plugs in headphones: device B becomes the console default
	directory.setDevice(RoleConsole, deviceB)
	directory.fireDefaultChange(RoleConsole, deviceB.id)

	assert.True(t, deviceA.released, "old binding must be fully released")
	assert.Nil(t, deviceA.handler())
	require.NotNil(t, deviceB.handler(), "new default must be subscribed")

	require.Equal(t, 1, deviceB.writeCount(), "freshly bound device gets exactly one corrective write")
	assert.InDelta(t, 0.60, deviceB.lastWrite().level, volumeTolerance)
	assert.Zero(t, deviceA.writeCount())
}

func TestDefaultDeviceChangeForUnenforcedRoleIsIgnored(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)

	target := 60
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	directory.fireDefaultChange(RoleMultimedia, "some-device")

	assert.Zero(t, directory.resolveCalls[RoleMultimedia])
	assert.True(t, enforcer.IsEnabled())
}

func TestDisableDiscardsInFlightNotifications(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)
	control := devices[RoleConsole]

	target := 80
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	// grab the callback as if a notification were mid-delivery, then tear
	// the binding down underneath it
	inFlight := control.handler()
	require.NotNil(t, inFlight)

	enforcer.Disable()
	inFlight(VolumeEvent{EventContext: "{foreign}", Volume: 0.10})

	assert.Zero(t, control.writeCount())
	assert.True(t, control.released)
	assert.Equal(t, 1, directory.unsubscribeCount)
	assert.False(t, enforcer.IsEnabled())
}

func TestDisableIsIdempotent(t *testing.T) {
	directory := newFakeDirectory(allFakeDevices())

	target := 50
	enforcer := testEnforcer(t, directory, &target, nil)

	enforcer.Disable()
	assert.Zero(t, directory.unsubscribeCount)

	enforcer.Enable()
	enforcer.Disable()
	enforcer.Disable()

	assert.Equal(t, 1, directory.unsubscribeCount)
}

func TestDisposeIsSafeToCallRepeatedly(t *testing.T) {
	devices := map[Role]*fakeControl{RoleConsole: {id: "console-dev"}}
	directory := newFakeDirectory(devices)

	target := 50
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	enforcer.Dispose()
	enforcer.Dispose()

	assert.False(t, enforcer.IsEnabled())
	assert.True(t, devices[RoleConsole].released)
	assert.Equal(t, 1, directory.releaseCount)
}

func TestUnresolvableRoleDoesNotBlockEnable(t *testing.T) {
	// no devices at all - e.g. every output was unplugged
	directory := newFakeDirectory(map[Role]*fakeControl{})

	target := 50
	enforcer := testEnforcer(t, directory, &target, nil)

	enforcer.Enable()

	assert.True(t, enforcer.IsEnabled())
	assert.Empty(t, enforcer.table.boundRoles())

	// must be a no-op rather than a crash
	enforcer.ForceToTarget()
}

func TestLateDeviceArrivalBindsUnresolvedRole(t *testing.T) {
	directory := newFakeDirectory(map[Role]*fakeControl{})

	target := 40
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()
	require.Empty(t, enforcer.table.boundRoles())

	// a device shows up later; the default-device change supplies the binding
	control := &fakeControl{id: "late-dev"}
	directory.setDevice(RoleConsole, control)
	directory.fireDefaultChange(RoleConsole, control.id)

	require.Equal(t, 1, control.writeCount())
	assert.InDelta(t, 0.40, control.lastWrite().level, volumeTolerance)
}

func TestSubscriptionFailureDegradesToExplicitForcing(t *testing.T) {
	control := &fakeControl{id: "console-dev", subscribeErr: fmt.Errorf("access denied")}
	directory := newFakeDirectory(map[Role]*fakeControl{RoleConsole: control})

	target := 70
	enforcer := testEnforcer(t, directory, &target, []Role{RoleConsole})

	enforcer.Enable()

	// still bound: explicit forcing keeps working without the subscription
	require.Len(t, enforcer.table.boundRoles(), 1)

	enforcer.ForceToTarget()
	require.Equal(t, 1, control.writeCount())
	assert.InDelta(t, 0.70, control.lastWrite().level, volumeTolerance)
}

func TestWriteFailureOnOneRoleDoesNotBlockOthers(t *testing.T) {
	devices := allFakeDevices()
	devices[RoleMultimedia].setErr = fmt.Errorf("device removed")
	directory := newFakeDirectory(devices)

	target := 50
	enforcer := testEnforcer(t, directory, &target, nil)

	enforcer.Enable()
	enforcer.ForceToTarget()

	assert.Equal(t, 1, devices[RoleConsole].writeCount())
	assert.Equal(t, 1, devices[RoleCommunications].writeCount())
	assert.Zero(t, devices[RoleMultimedia].writeCount())
}
