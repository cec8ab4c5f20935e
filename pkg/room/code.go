package room

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// Namespace prefixes every room address so unrelated traffic on the same
// network segment is never mistaken for ours.
const Namespace = "peertable-v1"

// Room codes avoid 0/O and 1/I so they survive being read out loud.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 4
)

// NewCode returns a fresh random room code. Collisions are possible and are
// detected at claim time, not here.
func NewCode() string {
	b := make([]byte, CodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("room: crypto/rand unavailable: %v", err))
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b)
}

// Normalize uppercases a code the way users type it.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code could have come from NewCode.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// PortFor maps a room code onto one port inside [base, base+span). Host and
// client derive the same port independently, which is what lets a four
// letter code stand in for a full address.
func PortFor(code string, base, span int) int {
	h := fnv.New32a()
	h.Write([]byte(Namespace))
	h.Write([]byte(code))
	return base + int(h.Sum32()%uint32(span))
}

// Path is the HTTP path a room is served under.
func Path(code string) string {
	return "/" + Namespace + "/" + code
}

// DialURL builds the websocket URL a client uses to reach a room on the
// given gateway host.
func DialURL(gateway, code string, base, span int) string {
	hostport := net.JoinHostPort(gateway, strconv.Itoa(PortFor(code, base, span)))
	return "ws://" + hostport + Path(code)
}
