// Package rtc carries rooms over WebRTC data channels. It wraps an inner
// transport, typically the websocket one, and uses it purely for signaling:
// the client offers, the host answers, trickled ICE candidates cross the
// same channel, and once the negotiated data channel opens the signaling
// channel is dropped. Frames then flow peer to peer.
package rtc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/okvee/peertable/pkg/transport"
)

const (
	channelLabel    = "peertable"
	channelProtocol = "peertable-v1"
)

const (
	opSignalOffer  = "OFFER"
	opSignalAnswer = "ANSWER"
	opSignalIce    = "ICE"
)

// signalPacket is one frame on the signaling channel.
type signalPacket struct {
	Opcode    string                     `json:"opcode" validate:"required"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func decodeSignal(raw []byte) (*signalPacket, error) {
	var pkt signalPacket
	if err := json.Unmarshal(raw, &pkt); err != nil {
		return nil, err
	}
	if err := validate.Struct(&pkt); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Options tunes one Transport.
type Options struct {
	// STUNServers are ICE server URLs. The default public STUN server
	// is enough for LAN and most home-network play.
	STUNServers []string

	// OpenTimeout bounds the whole offer/answer/ICE handshake.
	OpenTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.STUNServers) == 0 {
		o.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if o.OpenTimeout == 0 {
		o.OpenTimeout = transport.DefaultOpenTimeout
	}
	return o
}

type Transport struct {
	signal transport.Transport
	opts   Options
}

// New wraps an inner transport used for signaling only.
func New(signal transport.Transport, opts Options) *Transport {
	return &Transport{signal: signal, opts: opts.withDefaults()}
}

func (t *Transport) config() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.opts.STUNServers}},
	}
}

// OpenAsHost claims the code on the signaling transport, so code ownership
// has exactly the same semantics as the inner transport, and answers every
// peer that shows up there.
func (t *Transport) OpenAsHost(ctx context.Context, code string) (transport.Endpoint, error) {
	inner, err := t.signal.OpenAsHost(ctx, code)
	if err != nil {
		return nil, err
	}
	ep := &hostEndpoint{
		t:      t,
		code:   code,
		inner:  inner,
		accept: make(chan transport.Channel, 16),
		done:   make(chan struct{}),
	}
	go ep.acceptLoop()
	return ep, nil
}

func (t *Transport) OpenAsClient(ctx context.Context) (transport.Endpoint, error) {
	inner, err := t.signal.OpenAsClient(ctx)
	if err != nil {
		return nil, err
	}
	return &clientEndpoint{t: t, inner: inner}, nil
}

type hostEndpoint struct {
	t     *Transport
	code  string
	inner transport.Endpoint

	accept chan transport.Channel
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	peers []*dataChannel
}

func (ep *hostEndpoint) Accept() <-chan transport.Channel { return ep.accept }

func (ep *hostEndpoint) Connect(context.Context, string) (transport.Channel, error) {
	return nil, fmt.Errorf("%w: host endpoint cannot dial", transport.ErrConnectFailed)
}

func (ep *hostEndpoint) Addr() string { return ep.inner.Addr() }

func (ep *hostEndpoint) Close() error {
	ep.once.Do(func() {
		close(ep.done)
		ep.inner.Close()
		ep.mu.Lock()
		peers := ep.peers
		ep.peers = nil
		ep.mu.Unlock()
		for _, d := range peers {
			d.Close()
		}
	})
	return nil
}

func (ep *hostEndpoint) acceptLoop() {
	for {
		select {
		case sig, ok := <-ep.inner.Accept():
			if !ok {
				return
			}
			go ep.answer(sig)
		case <-ep.done:
			return
		}
	}
}

// answer runs the host side of one handshake: wait for the offer, answer
// it, feed candidates, hand the channel upward once it opens.
func (ep *hostEndpoint) answer(sig transport.Channel) {
	defer sig.Close()

	pc, err := webrtc.NewPeerConnection(ep.t.config())
	if err != nil {
		log.Printf("rtc: room %s: new peer connection: %v", ep.code, err)
		return
	}

	d, opened, err := negotiateChannel(pc, sig)
	if err != nil {
		log.Printf("rtc: room %s: %v", ep.code, err)
		pc.Close()
		return
	}

	deadline := time.NewTimer(ep.t.opts.OpenTimeout)
	defer deadline.Stop()

	for {
		select {
		case raw, ok := <-sig.Recv():
			if !ok {
				d.Close()
				return
			}
			pkt, err := decodeSignal(raw)
			if err != nil {
				log.Printf("rtc: room %s: bad signal frame: %v", ep.code, err)
				continue
			}
			switch pkt.Opcode {
			case opSignalOffer:
				if pkt.SDP == nil {
					continue
				}
				if err := pc.SetRemoteDescription(*pkt.SDP); err != nil {
					log.Printf("rtc: room %s: set offer: %v", ep.code, err)
					d.Close()
					return
				}
				answer, err := pc.CreateAnswer(&webrtc.AnswerOptions{})
				if err != nil {
					log.Printf("rtc: room %s: create answer: %v", ep.code, err)
					d.Close()
					return
				}
				if err := pc.SetLocalDescription(answer); err != nil {
					log.Printf("rtc: room %s: set answer: %v", ep.code, err)
					d.Close()
					return
				}
				sendSignal(sig, signalPacket{Opcode: opSignalAnswer, SDP: pc.LocalDescription()})
			case opSignalIce:
				addCandidate(pc, pkt.Candidate)
			}
		case <-opened:
			select {
			case ep.accept <- d:
				ep.mu.Lock()
				ep.peers = append(ep.peers, d)
				ep.mu.Unlock()
			case <-ep.done:
				d.Close()
			}
			return
		case <-deadline.C:
			d.Close()
			return
		case <-ep.done:
			d.Close()
			return
		}
	}
}

type clientEndpoint struct {
	t     *Transport
	inner transport.Endpoint

	mu    sync.Mutex
	peers []*dataChannel
}

func (ep *clientEndpoint) Accept() <-chan transport.Channel { return nil }

func (ep *clientEndpoint) Addr() string { return ep.inner.Addr() }

func (ep *clientEndpoint) Connect(ctx context.Context, code string) (transport.Channel, error) {
	sig, err := ep.inner.Connect(ctx, code)
	if err != nil {
		return nil, err
	}
	defer sig.Close()

	pc, err := webrtc.NewPeerConnection(ep.t.config())
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", transport.ErrConnectFailed, err)
	}

	d, opened, err := negotiateChannel(pc, sig)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: %v", transport.ErrConnectFailed, err)
	}

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: create offer: %v", transport.ErrConnectFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: set offer: %v", transport.ErrConnectFailed, err)
	}
	sendSignal(sig, signalPacket{Opcode: opSignalOffer, SDP: pc.LocalDescription()})

	deadline := time.NewTimer(ep.t.opts.OpenTimeout)
	defer deadline.Stop()

	for {
		select {
		case raw, ok := <-sig.Recv():
			if !ok {
				d.Close()
				return nil, fmt.Errorf("%w: signaling channel closed mid-handshake", transport.ErrConnectFailed)
			}
			pkt, err := decodeSignal(raw)
			if err != nil {
				continue
			}
			switch pkt.Opcode {
			case opSignalAnswer:
				if pkt.SDP == nil {
					continue
				}
				if err := pc.SetRemoteDescription(*pkt.SDP); err != nil {
					d.Close()
					return nil, fmt.Errorf("%w: set answer: %v", transport.ErrConnectFailed, err)
				}
			case opSignalIce:
				addCandidate(pc, pkt.Candidate)
			}
		case <-opened:
			ep.mu.Lock()
			ep.peers = append(ep.peers, d)
			ep.mu.Unlock()
			return d, nil
		case <-deadline.C:
			d.Close()
			return nil, fmt.Errorf("%w: handshake timed out for room %q", transport.ErrConnectFailed, code)
		case <-ctx.Done():
			d.Close()
			return nil, ctx.Err()
		}
	}
}

func (ep *clientEndpoint) Close() error {
	ep.inner.Close()
	ep.mu.Lock()
	peers := ep.peers
	ep.peers = nil
	ep.mu.Unlock()
	for _, d := range peers {
		d.Close()
	}
	return nil
}

// negotiateChannel creates the pre-negotiated data channel both sides agree
// on and wires candidate trickling. The returned chan closes when the data
// channel opens.
func negotiateChannel(pc *webrtc.PeerConnection, sig transport.Channel) (*dataChannel, chan struct{}, error) {
	yes := true
	zero := uint16(0)
	proto := channelProtocol
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Negotiated: &yes,
		ID:         &zero,
		Ordered:    &yes,
		Protocol:   &proto,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create data channel: %v", err)
	}

	d := newDataChannel(pc, dc)

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		sendSignal(sig, signalPacket{Opcode: opSignalIce, Candidate: &cand})
	})

	return d, opened, nil
}

func sendSignal(sig transport.Channel, pkt signalPacket) {
	raw, err := json.Marshal(&pkt)
	if err != nil {
		log.Printf("rtc: encode %s: %v", pkt.Opcode, err)
		return
	}
	// Late candidates may race the signaling teardown; losing them after
	// the data channel opened is harmless.
	_ = sig.Send(raw)
}

func addCandidate(pc *webrtc.PeerConnection, c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}
	if err := pc.AddICECandidate(*c); err != nil {
		log.Print(err)
	}
}
