package session

import "github.com/okvee/peertable/pkg/transport"

// connRegistry maps durable device ids to whichever channel currently
// speaks for them. It is owned by the host loop and needs no locking; the
// two maps stay mirror images of each other except that a displaced
// channel lingers in byChannel until its closure event drains it.
type connRegistry struct {
	byDevice  map[string]transport.Channel
	byChannel map[transport.Channel]string
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		byDevice:  make(map[string]transport.Channel),
		byChannel: make(map[transport.Channel]string),
	}
}

// Bind points a device id at a channel and returns the channel it
// displaced, if any. The caller closes the displaced one.
func (r *connRegistry) Bind(deviceID string, ch transport.Channel) transport.Channel {
	prev := r.byDevice[deviceID]
	if prev == ch {
		return nil
	}
	r.byDevice[deviceID] = ch
	r.byChannel[ch] = deviceID
	return prev
}

// Unbind forgets a device entirely.
func (r *connRegistry) Unbind(deviceID string) {
	if ch, ok := r.byDevice[deviceID]; ok {
		delete(r.byChannel, ch)
		delete(r.byDevice, deviceID)
	}
}

// Drop removes a channel on closure. It reports the device id the channel
// was speaking for, and false when the channel was anonymous or had
// already been displaced by a newer channel for the same device.
func (r *connRegistry) Drop(ch transport.Channel) (string, bool) {
	deviceID, ok := r.byChannel[ch]
	if !ok {
		return "", false
	}
	delete(r.byChannel, ch)
	if cur, live := r.byDevice[deviceID]; live && cur == ch {
		delete(r.byDevice, deviceID)
		return deviceID, true
	}
	return "", false
}

// DeviceFor resolves which device a channel speaks for.
func (r *connRegistry) DeviceFor(ch transport.Channel) (string, bool) {
	deviceID, ok := r.byChannel[ch]
	return deviceID, ok
}

// ChannelFor resolves the live channel for a device.
func (r *connRegistry) ChannelFor(deviceID string) (transport.Channel, bool) {
	ch, ok := r.byDevice[deviceID]
	return ch, ok
}

// Channels lists every live channel, one per connected device.
func (r *connRegistry) Channels() []transport.Channel {
	out := make([]transport.Channel, 0, len(r.byDevice))
	for _, ch := range r.byDevice {
		out = append(out, ch)
	}
	return out
}
