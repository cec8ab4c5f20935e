package rtc

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/okvee/peertable/pkg/transport"
)

// dataChannel adapts one open webrtc data channel to transport.Channel.
// Closing it tears down the whole peer connection; each peer pair gets its
// own connection, so nothing else shares it.
type dataChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu     sync.Mutex
	closed bool
	recv   chan []byte

	once sync.Once
}

func newDataChannel(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataChannel {
	d := &dataChannel{pc: pc, dc: dc, recv: make(chan []byte, 256)}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		cp := append([]byte(nil), msg.Data...)
		select {
		case d.recv <- cp:
		case <-time.After(time.Second):
			log.Printf("rtc: data channel %q receiver stalled, dropping frame", dc.Label())
		}
	})
	dc.OnClose(func() { d.shutdown() })
	dc.OnError(func(err error) {
		log.Printf("rtc: data channel %q error: %s", dc.Label(), err.Error())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			d.shutdown()
		}
	})

	return d
}

func (d *dataChannel) Send(b []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return transport.ErrChannelClosed
	}
	if err := d.dc.SendText(string(b)); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
	}
	return nil
}

func (d *dataChannel) Recv() <-chan []byte { return d.recv }

func (d *dataChannel) Close() error {
	d.shutdown()
	return nil
}

func (d *dataChannel) shutdown() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.recv)
		d.mu.Unlock()
		d.pc.Close()
	})
}
