package protocol

import "fmt"

// -------------------------------------------------------------------------
// Header byte — [F2 F1 F0 M4 M3 M2 M1 M0]
// -------------------------------------------------------------------------

// MidMask extracts the message id (low 5 bits).
const MidMask = 0x1f

// FlagsMask extracts the per-variant flags (high 3 bits).
const FlagsMask = 0xe0

// Transport message ids.
const (
	MidScout     byte = 0x01
	MidHello     byte = 0x02
	MidInit      byte = 0x03
	MidOpen      byte = 0x04
	MidClose     byte = 0x05
	MidKeepAlive byte = 0x08
	MidJoin      byte = 0x09
	MidFrame     byte = 0x0a
)

// Zenoh message ids (carried inside frames).
const (
	MidDeclare      byte = 0x0b
	MidData         byte = 0x0c
	MidQuery        byte = 0x0d
	MidPull         byte = 0x0e
	MidUnit         byte = 0x0f
	MidReplyContext byte = 0x1e
)

// Per-variant flag bits (T layout).
const (
	// FlagTI — ZID present (Hello, Close, KeepAlive) or requested (Scout).
	FlagTI byte = 0x20

	// FlagTW — whatami present (Scout, Hello).
	FlagTW byte = 0x40

	// FlagTL — locators present (Hello).
	FlagTL byte = 0x80

	// FlagTA — the message is an acknowledgment (Init, Open).
	FlagTA byte = 0x20

	// FlagTS — SN resolution and batch size present (Init, Join).
	FlagTS byte = 0x40

	// FlagTT — lease expressed in seconds rather than ms (Open).
	FlagTT byte = 0x40

	// FlagTK — close the link only, not the whole session (Close).
	FlagTK byte = 0x40

	// FlagTR — reliable channel (Frame).
	FlagTR byte = 0x20

	// FlagTF — the frame carries a fragment (Frame).
	FlagTF byte = 0x40

	// FlagTE — last fragment of the message (Frame).
	FlagTE byte = 0x80
)

// Zenoh-layer flag bits.
const (
	// FlagZD — the message may be dropped (Data, Unit).
	FlagZD byte = 0x20

	// FlagZF — final (ReplyContext, Pull).
	FlagZF byte = 0x20

	// FlagZI — DataInfo present (Data).
	FlagZI byte = 0x40

	// FlagZK — the reskey carries a string suffix after the id (any
	// keyed message).
	FlagZK byte = 0x80

	// FlagZN — max samples present (Pull).
	FlagZN byte = 0x40

	// FlagZS — subscription mode present (Declare/Subscriber).
	FlagZS byte = 0x40

	// FlagZT — query target present (Query).
	FlagZT byte = 0x20
)

// Mid returns the message id of a header byte.
func Mid(h byte) byte { return h & MidMask }

// Flags returns the flag bits of a header byte.
func Flags(h byte) byte { return h & FlagsMask }

// HasFlag reports whether f is set in h.
func HasFlag(h, f byte) bool { return h&f != 0 }

// -------------------------------------------------------------------------
// Close reasons
// -------------------------------------------------------------------------

// Close reason codes carried by the CLOSE message.
const (
	CloseGeneric     byte = 0x00
	CloseUnsupported byte = 0x01
	CloseInvalid     byte = 0x02
	CloseMaxSessions byte = 0x03
	CloseMaxLinks    byte = 0x04
	CloseExpired     byte = 0x05
)

// -------------------------------------------------------------------------
// Whatami
// -------------------------------------------------------------------------

// Whatami is the role bitmask advertised during scouting and handshake.
type Whatami uint8

const (
	// WhatamiRouter marks a routing infrastructure node.
	WhatamiRouter Whatami = 0x01

	// WhatamiPeer marks a mesh participant.
	WhatamiPeer Whatami = 0x02

	// WhatamiClient marks a leaf client.
	WhatamiClient Whatami = 0x04
)

// String returns the role name.
func (w Whatami) String() string {
	switch w {
	case WhatamiRouter:
		return "router"
	case WhatamiPeer:
		return "peer"
	case WhatamiClient:
		return "client"
	default:
		return fmt.Sprintf("whatami(%#x)", uint8(w))
	}
}

// -------------------------------------------------------------------------
// SN resolution
// -------------------------------------------------------------------------

// Resolution is the negotiated sequence-number modulus, encoded on the
// wire as a single code byte.
type Resolution uint8

const (
	// Res8 is SN_RES = 2^8.
	Res8 Resolution = iota + 1

	// Res14 is SN_RES = 2^14.
	Res14

	// Res21 is SN_RES = 2^21.
	Res21

	// Res28 is SN_RES = 2^28, the default proposal.
	Res28

	// Res56 is SN_RES = 2^56.
	Res56
)

// resolutionBits maps codes to exponents. Index 0 is the unset code.
var resolutionBits = [...]uint{0, 8, 14, 21, 28, 56}

// Valid reports whether the code names a defined resolution.
func (r Resolution) Valid() bool { return r >= Res8 && r <= Res56 }

// Bits returns the exponent N of SN_RES = 2^N.
func (r Resolution) Bits() uint {
	if !r.Valid() {
		return 0
	}
	return resolutionBits[r]
}

// Size returns SN_RES.
func (r Resolution) Size() uint64 { return uint64(1) << r.Bits() }

// Mask returns SN_RES - 1 for masking random initial SNs.
func (r Resolution) Mask() uint64 { return r.Size() - 1 }

// String returns "2^N".
func (r Resolution) String() string {
	if !r.Valid() {
		return fmt.Sprintf("resolution(%d)", uint8(r))
	}
	return fmt.Sprintf("2^%d", r.Bits())
}
