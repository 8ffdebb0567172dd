package broker

import "fmt"

type idKind uint8

const (
	kindInvalid idKind = iota
	kindLAN
	kindCloud
)

// ClientID identifies the origin of a frame: one LAN client tracked by an
// endpoint, or the cloud tunnel. LAN IDs carry a slot generation, so an ID
// kept after its client left never matches the slot's next occupant.
// The zero value is invalid.
type ClientID struct {
	kind idKind
	slot uint32
	gen  uint32
}

// Cloud is the reserved identity of the cloud tunnel. No LAN client ever
// compares equal to it.
var Cloud = ClientID{kind: kindCloud}

func lanID(slot, gen uint32) ClientID {
	return ClientID{kind: kindLAN, slot: slot, gen: gen}
}

func (id ClientID) IsCloud() bool { return id.kind == kindCloud }
func (id ClientID) IsLAN() bool   { return id.kind == kindLAN }
func (id ClientID) Valid() bool   { return id.kind != kindInvalid }

func (id ClientID) String() string {
	switch id.kind {
	case kindLAN:
		return fmt.Sprintf("lan:%d.%d", id.slot, id.gen)
	case kindCloud:
		return "cloud"
	default:
		return "invalid"
	}
}
