package session

import (
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/keyexpr"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// livelinessPrefix roots liveliness state under a verbatim chunk so no
// data-plane wildcard can capture it.
const livelinessPrefix = "@liveliness"

// livelinessKey prefixes a user key expression into liveliness space.
func livelinessKey(ke string) (string, error) {
	return keyexpr.Join(livelinessPrefix, ke)
}

// LivelinessToken asserts the liveness of a key expression for the
// lifetime of the declaration.
type LivelinessToken struct {
	ID  uint64
	Key string

	pub *Publisher
}

// LivelinessDeclareToken announces the token: interested parties see
// an alive sample now and a drop sample when the token is undeclared
// or the session dies.
func (s *Session) LivelinessDeclareToken(ke string) (*LivelinessToken, error) {
	lk, err := livelinessKey(ke)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}
	pub, err := s.DeclarePublisher(lk)
	if err != nil {
		return nil, err
	}
	if err := s.WriteExt(lk, nil, WriteOptions{Reliable: true, Kind: SampleKindPut}); err != nil {
		_ = s.UndeclarePublisher(pub)
		return nil, err
	}
	return &LivelinessToken{ID: pub.ID, Key: lk, pub: pub}, nil
}

// LivelinessUndeclareToken retracts the token and announces the drop.
func (s *Session) LivelinessUndeclareToken(tok *LivelinessToken) error {
	if tok == nil {
		return zerr.New(zerr.Null)
	}
	if err := s.WriteExt(tok.Key, nil, WriteOptions{Reliable: true, Kind: SampleKindDelete}); err != nil {
		return err
	}
	return s.UndeclarePublisher(tok.pub)
}

// LivelinessDeclareSubscriber watches tokens matching ke. The callback
// receives SampleKindPut when a token appears and SampleKindDelete
// when it drops.
func (s *Session) LivelinessDeclareSubscriber(ke string, cb SampleCallback) (*Subscriber, error) {
	lk, err := livelinessKey(ke)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}
	return s.DeclareSubscriber(lk, SubscriberInfo{Reliable: true}, cb)
}

// LivelinessGet queries the currently alive tokens matching ke. The
// pending entry lives in the liveliness table and is tied to the
// session cancellation token like any other query.
func (s *Session) LivelinessGet(ke string, cb ReplyCallback) error {
	lk, err := livelinessKey(ke)
	if err != nil {
		return zerr.Wrap(zerr.Invalid, err)
	}
	opts := QueryOptions{
		Target: protocol.QueryTarget{
			Kind: protocol.QueryableAllKinds,
			Tag:  protocol.TargetAll,
		},
		Consolidation: protocol.ConsolidationNone,
	}
	return s.query(lk, "", opts, cb, true)
}
