package session

import (
	"log"

	"github.com/okvee/peertable/pkg/protocol"
	"github.com/okvee/peertable/pkg/transport"
)

// code encodes one frame and sends it. Send failures are logged and
// swallowed: a failed send means the channel is dying, and channel closure
// already has its own path into the session.
func code(ch transport.Channel, opcode string, payload any, listener string) {
	if ch == nil {
		log.Printf("session: dropping %s intended for a nil channel", opcode)
		return
	}
	raw, err := protocol.Encode(opcode, payload, listener)
	if err != nil {
		log.Printf("session: encode %s: %s", opcode, err.Error())
		return
	}
	if err := ch.Send(raw); err != nil {
		log.Printf("session: send %s: %s", opcode, err.Error())
	}
}

// broadcast sends one frame to every channel, encoding it once.
func broadcast(channels []transport.Channel, opcode string, payload any) {
	raw, err := protocol.Encode(opcode, payload, "")
	if err != nil {
		log.Printf("session: encode %s: %s", opcode, err.Error())
		return
	}
	for _, ch := range channels {
		if err := ch.Send(raw); err != nil {
			log.Printf("session: broadcast %s: %s", opcode, err.Error())
		}
	}
}
