package protocol

import (
	"fmt"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// -------------------------------------------------------------------------
// Common field types
// -------------------------------------------------------------------------

// ZIDMaxLen bounds the entity identifier to 16 opaque bytes.
const ZIDMaxLen = 16

// ValidateZID checks the 1..16 byte bound. An empty ZID is permitted
// where the enclosing flag marks it absent.
func ValidateZID(zid []byte) error {
	if len(zid) == 0 || len(zid) > ZIDMaxLen {
		return zerr.Errorf(zerr.Invalid, "zid length %d outside [1, %d]",
			len(zid), ZIDMaxLen)
	}
	return nil
}

// ResKey is the wire-level key: a numeric resource id, a literal
// expression, or an id prefix plus a string suffix. The K flag in the
// containing header is set iff Suffix is non-empty.
type ResKey struct {
	RID    uint64
	Suffix string
}

// NumericOnly reports whether the key is a bare declared id.
func (k ResKey) NumericOnly() bool { return k.Suffix == "" }

// String renders the key for logs.
func (k ResKey) String() string {
	if k.NumericOnly() {
		return fmt.Sprintf("rid:%d", k.RID)
	}
	if k.RID == 0 {
		return k.Suffix
	}
	return fmt.Sprintf("rid:%d+%q", k.RID, k.Suffix)
}

// Timestamp orders samples by (time, id) lexicographically.
type Timestamp struct {
	Time uint64
	ID   []byte
}

// Compare returns -1, 0, or 1 ordering a against b. A nil timestamp
// sorts before any present one; callers handle that case.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Time < o.Time:
		return -1
	case t.Time > o.Time:
		return 1
	}
	switch {
	case string(t.ID) < string(o.ID):
		return -1
	case string(t.ID) > string(o.ID):
		return 1
	}
	return 0
}

// Encoding tags a payload with a numeric prefix plus free-form suffix.
type Encoding struct {
	Prefix uint64
	Suffix string
}

// DataInfo option bits, encoded as a zint bitmask ahead of the fields.
const (
	dataInfoEncoding  uint64 = 0x01
	dataInfoKind      uint64 = 0x02
	dataInfoTimestamp uint64 = 0x04
	dataInfoSourceID  uint64 = 0x08
	dataInfoSourceSN  uint64 = 0x10
)

// DataInfo carries the optional sample metadata of a Data message.
type DataInfo struct {
	Encoding  *Encoding
	Kind      *uint64
	Timestamp *Timestamp
	SourceID  []byte
	SourceSN  *uint64
}

// SubMode is the subscription delivery mode.
type SubMode uint8

const (
	// SubModePush delivers samples as they arrive.
	SubModePush SubMode = 0x00

	// SubModePull buffers samples until an explicit Pull.
	SubModePull SubMode = 0x01
)

// Period is the optional periodic descriptor of a pull subscription.
type Period struct {
	Origin   uint64
	Period   uint64
	Duration uint64
}

// Queryable kind bits.
const (
	// QueryableAllKinds matches any queryable.
	QueryableAllKinds uint64 = 0x01

	// QueryableStorage answers from stored state.
	QueryableStorage uint64 = 0x02

	// QueryableEval computes on request.
	QueryableEval uint64 = 0x04
)

// TargetTag selects how many queryables a query addresses.
type TargetTag uint8

const (
	// TargetBestMatching addresses the best complete match.
	TargetBestMatching TargetTag = 0x00

	// TargetComplete addresses N complete queryables.
	TargetComplete TargetTag = 0x01

	// TargetAll addresses every matching queryable.
	TargetAll TargetTag = 0x02
)

// QueryTarget couples a queryable kind mask with a target selector.
type QueryTarget struct {
	Kind uint64
	Tag  TargetTag
	N    uint64 // complete-N only
}

// Consolidation is the reply deduplication policy.
type Consolidation uint8

const (
	// ConsolidationNone forwards every reply.
	ConsolidationNone Consolidation = 0x00

	// ConsolidationMonotonic forwards replies with strictly newer
	// timestamps per key (lazy).
	ConsolidationMonotonic Consolidation = 0x01

	// ConsolidationLatest buffers and flushes only the newest reply
	// per key at finalization (full).
	ConsolidationLatest Consolidation = 0x02
)

// String returns the policy name.
func (c Consolidation) String() string {
	switch c {
	case ConsolidationNone:
		return "none"
	case ConsolidationMonotonic:
		return "monotonic"
	case ConsolidationLatest:
		return "latest"
	default:
		return fmt.Sprintf("consolidation(%d)", uint8(c))
	}
}

// -------------------------------------------------------------------------
// Transport message set
// -------------------------------------------------------------------------

// TransportMessage is one of the session-layer messages.
type TransportMessage interface {
	// TMid returns the wire message id.
	TMid() byte
}

// MsgScout solicits HELLOs from reachable peers.
type MsgScout struct {
	What       Whatami
	RequestZID bool
}

// TMid implements TransportMessage.
func (MsgScout) TMid() byte { return MidScout }

// MsgHello advertises identity, role, and locators.
type MsgHello struct {
	ZID      []byte
	Whatami  Whatami
	Locators []string
}

// TMid implements TransportMessage.
func (MsgHello) TMid() byte { return MidHello }

// MsgInit proposes (syn) or confirms (ack) the session parameters.
type MsgInit struct {
	Ack          bool
	Version      byte
	Whatami      Whatami
	ZID          []byte
	SNResolution Resolution
	BatchSize    uint16
	// Cookie is the responder's opaque state, present on the ack only.
	Cookie []byte
	// PatchLevel is the negotiated fragmentation framing capability.
	PatchLevel uint8
}

// TMid implements TransportMessage.
func (MsgInit) TMid() byte { return MidInit }

// MsgOpen commits the lease, the initial SN, and echoes the cookie.
type MsgOpen struct {
	Ack       bool
	LeaseMS   uint64
	InitialSN uint64
	// Cookie is echoed verbatim on the syn only.
	Cookie []byte
}

// TMid implements TransportMessage.
func (MsgOpen) TMid() byte { return MidOpen }

// NextSN announces the first SN per reliability channel in a Join.
type NextSN struct {
	Reliable   uint64
	BestEffort uint64
}

// MsgJoin is the multicast equivalent of Init+Open.
type MsgJoin struct {
	Version      byte
	Whatami      Whatami
	LeaseMS      uint64
	ZID          []byte
	SNResolution Resolution
	BatchSize    uint16
	NextSN       NextSN
}

// TMid implements TransportMessage.
func (MsgJoin) TMid() byte { return MidJoin }

// MsgClose signals teardown. LinkOnly closes the link, not the session.
type MsgClose struct {
	ZID      []byte
	Reason   byte
	LinkOnly bool
}

// TMid implements TransportMessage.
func (MsgClose) TMid() byte { return MidClose }

// MsgKeepAlive is the liveness tick sent on idle sessions.
type MsgKeepAlive struct {
	ZID []byte
}

// TMid implements TransportMessage.
func (MsgKeepAlive) TMid() byte { return MidKeepAlive }

// MsgFrame carries zenoh messages (or one fragment) under an SN.
//
// When Fragment is false, Messages holds the payload. When Fragment is
// true, FragmentPayload holds a split-message chunk and End marks the
// last chunk. A fragment frame must be the last message of its batch:
// the payload extends to the end of the enclosing buffer.
type MsgFrame struct {
	Reliable        bool
	SN              uint64
	Fragment        bool
	End             bool
	Messages        []ZenohMessage
	FragmentPayload []byte
}

// TMid implements TransportMessage.
func (MsgFrame) TMid() byte { return MidFrame }

// -------------------------------------------------------------------------
// Zenoh message set
// -------------------------------------------------------------------------

// ZenohMessage is one of the data-layer messages carried inside frames.
type ZenohMessage interface {
	// ZMid returns the wire message id.
	ZMid() byte
}

// Declaration ids inside a Declare body.
const (
	DeclIDResource         byte = 0x01
	DeclIDPublisher        byte = 0x02
	DeclIDSubscriber       byte = 0x03
	DeclIDQueryable        byte = 0x04
	DeclIDForgetResource   byte = 0x11
	DeclIDForgetPublisher  byte = 0x12
	DeclIDForgetSubscriber byte = 0x13
	DeclIDForgetQueryable  byte = 0x14
)

// Declaration is one entry of a Declare message.
type Declaration interface {
	// DeclID returns the declaration id.
	DeclID() byte
}

// DeclResource maps a fresh numeric id to a literal expression.
type DeclResource struct {
	RID uint64
	Key ResKey
}

// DeclID implements Declaration.
func (DeclResource) DeclID() byte { return DeclIDResource }

// DeclPublisher announces a publisher for wire-key optimization.
type DeclPublisher struct {
	Key ResKey
}

// DeclID implements Declaration.
func (DeclPublisher) DeclID() byte { return DeclIDPublisher }

// DeclSubscriber announces interest in matching samples.
type DeclSubscriber struct {
	Key      ResKey
	Reliable bool
	Mode     SubMode
	Period   *Period
}

// DeclID implements Declaration.
func (DeclSubscriber) DeclID() byte { return DeclIDSubscriber }

// DeclQueryable announces a query handler with a kind mask.
type DeclQueryable struct {
	Key  ResKey
	Kind uint64
}

// DeclID implements Declaration.
func (DeclQueryable) DeclID() byte { return DeclIDQueryable }

// DeclForgetResource retracts a resource declaration.
type DeclForgetResource struct {
	RID uint64
}

// DeclID implements Declaration.
func (DeclForgetResource) DeclID() byte { return DeclIDForgetResource }

// DeclForgetPublisher retracts a publisher declaration.
type DeclForgetPublisher struct {
	Key ResKey
}

// DeclID implements Declaration.
func (DeclForgetPublisher) DeclID() byte { return DeclIDForgetPublisher }

// DeclForgetSubscriber retracts a subscriber declaration.
type DeclForgetSubscriber struct {
	Key ResKey
}

// DeclID implements Declaration.
func (DeclForgetSubscriber) DeclID() byte { return DeclIDForgetSubscriber }

// DeclForgetQueryable retracts a queryable declaration.
type DeclForgetQueryable struct {
	Key ResKey
}

// DeclID implements Declaration.
func (DeclForgetQueryable) DeclID() byte { return DeclIDForgetQueryable }

// MsgDeclare carries a batch of declarations.
type MsgDeclare struct {
	Declarations []Declaration
}

// ZMid implements ZenohMessage.
func (MsgDeclare) ZMid() byte { return MidDeclare }

// MsgData carries one sample.
type MsgData struct {
	Key       ResKey
	Info      *DataInfo
	Payload   []byte
	Droppable bool
}

// ZMid implements ZenohMessage.
func (MsgData) ZMid() byte { return MidData }

// MsgQuery solicits replies from matching queryables.
type MsgQuery struct {
	Key           ResKey
	Predicate     string
	QID           uint64
	Target        *QueryTarget
	Consolidation Consolidation
}

// ZMid implements ZenohMessage.
func (MsgQuery) ZMid() byte { return MidQuery }

// MsgPull requests buffered samples from a pull subscription.
type MsgPull struct {
	Key        ResKey
	PullID     uint64
	MaxSamples *uint64
	Final      bool
}

// ZMid implements ZenohMessage.
func (MsgPull) ZMid() byte { return MidPull }

// MsgUnit is the zero-payload message, used as a reply-final carrier.
type MsgUnit struct {
	Droppable bool
}

// ZMid implements ZenohMessage.
func (MsgUnit) ZMid() byte { return MidUnit }

// MsgReplyContext decorates the next Data/Unit in the frame as a reply
// to an outstanding query. Final carries no replier identity.
type MsgReplyContext struct {
	QID         uint64
	ReplierKind uint64
	ReplierID   []byte
	Final       bool
}

// ZMid implements ZenohMessage.
func (MsgReplyContext) ZMid() byte { return MidReplyContext }

// IsZenohMid reports whether mid belongs to the zenoh message space.
// Frame decoding uses this to find the end of the embedded payload:
// the two id spaces are disjoint.
func IsZenohMid(mid byte) bool {
	switch mid {
	case MidDeclare, MidData, MidQuery, MidPull, MidUnit, MidReplyContext:
		return true
	default:
		return false
	}
}
