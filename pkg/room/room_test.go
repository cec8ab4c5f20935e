package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeatsHost(t *testing.T) {
	st := New("ABCD", "host-dev", "Hana")

	require.Len(t, st.Players, 1)
	assert.Equal(t, PhaseLobby, st.Phase)
	assert.Equal(t, "host-dev", st.HostID)
	assert.True(t, st.Players[0].Host)
	assert.True(t, st.Players[0].Connected)
	assert.Equal(t, 1, st.Connected())
}

func TestFindAndRemove(t *testing.T) {
	st := New("ABCD", "host-dev", "Hana")
	st.Players = append(st.Players, &Player{ID: "guest", DisplayName: "Gus", Connected: true})

	require.NotNil(t, st.Find("guest"))
	require.Nil(t, st.Find("nobody"))

	assert.True(t, st.Remove("guest"))
	assert.False(t, st.Remove("guest"), "second removal of the same seat")
	assert.Nil(t, st.Find("guest"))
}

func TestSnapshotIsDetached(t *testing.T) {
	st := New("ABCD", "host-dev", "Hana")
	st.Wins["host-dev"] = 2

	cp := st.Snapshot()
	cp.Players[0].DisplayName = "changed"
	cp.Wins["host-dev"] = 99

	assert.Equal(t, "Hana", st.Players[0].DisplayName)
	assert.Equal(t, 2, st.Wins["host-dev"])
}

func TestNewCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		code := NewCode()
		require.True(t, ValidCode(code), "generated code %q", code)
		seen[code] = true
	}
	// 64 draws from a 32^4 space virtually never collide every time.
	assert.Greater(t, len(seen), 1)
}

func TestNormalizeAndValidate(t *testing.T) {
	assert.Equal(t, "ABCD", Normalize("  abcd "))
	assert.True(t, ValidCode("ABCD"))
	assert.False(t, ValidCode("ABC"), "too short")
	assert.False(t, ValidCode("AB0D"), "0 is not in the alphabet")
	assert.False(t, ValidCode("abcd"), "lowercase is only accepted via Normalize")
}

func TestPortForIsStableAndBounded(t *testing.T) {
	const base, span = 42000, 512

	p1 := PortFor("ABCD", base, span)
	p2 := PortFor("ABCD", base, span)
	assert.Equal(t, p1, p2, "same code must always map to the same port")

	for _, code := range []string{"ABCD", "ZZZZ", "Q2J7", "MMMM"} {
		p := PortFor(code, base, span)
		assert.GreaterOrEqual(t, p, base)
		assert.Less(t, p, base+span)
	}
}

func TestDialURL(t *testing.T) {
	u := DialURL("192.168.1.7", "ABCD", 42000, 512)
	assert.Contains(t, u, "ws://192.168.1.7:")
	assert.Contains(t, u, "/peertable-v1/ABCD")
}
