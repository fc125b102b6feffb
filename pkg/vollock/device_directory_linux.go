package vollock

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// PulseAudio tracks a single default sink, so only the console role ever
// resolves here; the other roles stay unbound, which the enforcer tolerates.
const pulseVolumeNorm = 0x10000

type paDeviceDirectory struct {
	logger         *zap.SugaredLogger
	endpointLogger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	lock             sync.Mutex
	controls         map[uint32]*paEndpointControl
	defaultSinkIndex uint32
	onDefaultChange  func(role Role, newDeviceID string)
}

func newDeviceDirectory(logger *zap.SugaredLogger) (DeviceDirectory, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("vollock"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	dd := &paDeviceDirectory{
		logger:         logger.Named("device_directory"),
		endpointLogger: logger.Named("endpoints"),
		client:         client,
		conn:           conn,
		controls:       make(map[uint32]*paEndpointControl),
	}

	// subscribe to sink events (volume changes) and server events (default
	// sink changes)
	err = client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskServer}, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio sink events: %w", err)
	}

	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			switch msg.Event & proto.EventFacilityMask {
			case proto.EventSink:
				if msg.Event.GetType() == proto.EventChange {
					dd.handleSinkChange(msg.Index)
				}
			case proto.EventServer:
				dd.handleServerChange()
			}
		}
	}

	dd.logger.Debug("Created PA device directory instance")

	return dd, nil
}

func (dd *paDeviceDirectory) Resolve(role Role) (EndpointControl, error) {
	if role != RoleConsole {
		return nil, ErrNoDefaultDevice
	}

	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
	}
	reply := proto.GetSinkInfoReply{}

	if err := dd.client.Request(&request, &reply); err != nil {
		dd.logger.Debugw("Failed to get default sink info", "error", err)
		return nil, ErrNoDefaultDevice
	}

	control := &paEndpointControl{
		logger:    dd.endpointLogger,
		directory: dd,
		sinkIndex: reply.SinkIndex,
		channels:  reply.ChannelVolumes,
	}

	dd.lock.Lock()
	dd.defaultSinkIndex = reply.SinkIndex
	dd.lock.Unlock()

	return control, nil
}

func (dd *paDeviceDirectory) SubscribeDefaultChange(onChange func(role Role, newDeviceID string)) error {
	dd.lock.Lock()
	defer dd.lock.Unlock()

	dd.onDefaultChange = onChange
	return nil
}

func (dd *paDeviceDirectory) UnsubscribeDefaultChange() {
	dd.lock.Lock()
	defer dd.lock.Unlock()

	dd.onDefaultChange = nil
}

func (dd *paDeviceDirectory) Release() error {
	if err := dd.conn.Close(); err != nil {
		dd.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	dd.logger.Debug("Released PA device directory instance")

	return nil
}

func (dd *paDeviceDirectory) handleSinkChange(index uint32) {
	dd.lock.Lock()
	control := dd.controls[index]
	dd.lock.Unlock()

	if control == nil {
		return
	}

	request := proto.GetSinkInfo{
		SinkIndex: index,
	}
	reply := proto.GetSinkInfoReply{}

	if err := dd.client.Request(&request, &reply); err != nil {
		dd.logger.Debugw("Failed to get sink info after change event",
			"sinkIndex", index,
			"error", err)

		return
	}

	level := float32(0)
	for _, volume := range reply.ChannelVolumes {
		if float32(volume) > level {
			level = float32(volume)
		}
	}

	control.emit(level/pulseVolumeNorm, reply.Mute)
}

func (dd *paDeviceDirectory) handleServerChange() {
	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
	}
	reply := proto.GetSinkInfoReply{}

	if err := dd.client.Request(&request, &reply); err != nil {
		dd.logger.Debugw("Failed to get default sink info after server event", "error", err)
		return
	}

	dd.lock.Lock()
	changed := reply.SinkIndex != dd.defaultSinkIndex
	if changed {
		dd.defaultSinkIndex = reply.SinkIndex
	}
	onChange := dd.onDefaultChange
	dd.lock.Unlock()

	if changed && onChange != nil {
		dd.logger.Debugw("Default sink changed", "sinkIndex", reply.SinkIndex)
		onChange(RoleConsole, strconv.Itoa(int(reply.SinkIndex)))
	}
}

func (dd *paDeviceDirectory) registerControl(control *paEndpointControl) {
	dd.lock.Lock()
	defer dd.lock.Unlock()

	dd.controls[control.sinkIndex] = control
}

func (dd *paDeviceDirectory) unregisterControl(control *paEndpointControl) {
	dd.lock.Lock()
	defer dd.lock.Unlock()

	if dd.controls[control.sinkIndex] == control {
		delete(dd.controls, control.sinkIndex)
	}
}

// paEndpointControl wraps one sink's volume. PulseAudio doesn't echo an
// event context on change events, so the control marks the first change
// matching its own last write with the writer's tag to keep the enforcer's
// self-filtering working.
type paEndpointControl struct {
	logger    *zap.SugaredLogger
	directory *paDeviceDirectory

	sinkIndex uint32
	channels  proto.ChannelVolumes

	lock         sync.Mutex
	onEvent      func(VolumeEvent)
	pendingSelf  bool
	lastWriteTag string
	lastWriteVol float32
}

func (c *paEndpointControl) ID() string {
	return strconv.Itoa(int(c.sinkIndex))
}

func (c *paEndpointControl) Volume() (float32, error) {
	request := proto.GetSinkInfo{
		SinkIndex: c.sinkIndex,
	}
	reply := proto.GetSinkInfoReply{}

	if err := c.directory.client.Request(&request, &reply); err != nil {
		c.logger.Warnw("Failed to get sink volume", "sinkIndex", c.sinkIndex, "error", err)
		return 0, fmt.Errorf("get sink info: %w", err)
	}

	level := float32(0)
	for _, volume := range reply.ChannelVolumes {
		if float32(volume) > level {
			level = float32(volume)
		}
	}

	return level / pulseVolumeNorm, nil
}

func (c *paEndpointControl) SetVolume(level float32, eventContext string) error {
	quantized := uint32(level * pulseVolumeNorm)

	volumes := make(proto.ChannelVolumes, len(c.channels))
	for i := range volumes {
		volumes[i] = quantized
	}

	request := proto.SetSinkVolume{
		SinkIndex:      c.sinkIndex,
		ChannelVolumes: volumes,
	}

	// remember the level as the server will quantize it, so the resulting
	// change event can be recognized as our own
	c.lock.Lock()
	c.pendingSelf = true
	c.lastWriteTag = eventContext
	c.lastWriteVol = float32(quantized) / pulseVolumeNorm
	c.lock.Unlock()

	if err := c.directory.client.Request(&request, nil); err != nil {
		c.logger.Warnw("Failed to set sink volume",
			"sinkIndex", c.sinkIndex,
			"level", level,
			"error", err)

		return fmt.Errorf("set sink volume: %w", err)
	}

	return nil
}

func (c *paEndpointControl) Subscribe(onEvent func(VolumeEvent)) error {
	c.lock.Lock()
	c.onEvent = onEvent
	c.lock.Unlock()

	c.directory.registerControl(c)
	return nil
}

func (c *paEndpointControl) Unsubscribe() error {
	c.directory.unregisterControl(c)

	c.lock.Lock()
	c.onEvent = nil
	c.lock.Unlock()

	return nil
}

func (c *paEndpointControl) Release() error {
	return c.Unsubscribe()
}

func (c *paEndpointControl) emit(level float32, muted bool) {
	c.lock.Lock()

	tag := ""
	if c.pendingSelf && level == c.lastWriteVol {
		tag = c.lastWriteTag
		c.pendingSelf = false
	}

	onEvent := c.onEvent
	c.lock.Unlock()

	if onEvent != nil {
		onEvent(VolumeEvent{EventContext: tag, Muted: muted, Volume: level})
	}
}
