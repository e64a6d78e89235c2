package session

import (
	"log/slog"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/keyexpr"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/transport"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// Sample is what a subscriber callback receives.
type Sample struct {
	Key       string
	Value     []byte
	Kind      uint64
	Encoding  *protocol.Encoding
	Timestamp *protocol.Timestamp
	SourceID  []byte
}

// Sample kinds.
const (
	// SampleKindPut is a value update.
	SampleKindPut uint64 = 0

	// SampleKindDelete retracts a value.
	SampleKindDelete uint64 = 1
)

// SampleCallback receives matching samples, one invocation per message.
type SampleCallback func(Sample)

// SubscriberInfo tunes a subscription.
type SubscriberInfo struct {
	// Reliable selects the reliable channel for the declaration.
	Reliable bool

	// Mode selects push or pull delivery.
	Mode protocol.SubMode

	// Period optionally rate-limits a pull subscription.
	Period *protocol.Period
}

// Subscriber is one registered subscription.
type Subscriber struct {
	ID   uint64
	Key  string
	Info SubscriberInfo

	cb  SampleCallback
	rid uint64
}

// Publisher is a declaration-only entity enabling wire-key
// optimization; Write works without one.
type Publisher struct {
	ID  uint64
	Key string

	rid uint64
}

// DeclareSubscriber registers cb for samples matching ke and announces
// the subscription.
func (s *Session) DeclareSubscriber(ke string, info SubscriberInfo, cb SampleCallback) (*Subscriber, error) {
	if !s.IsOpen() {
		return nil, zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	if cb == nil {
		return nil, zerr.Errorf(zerr.Invalid, "nil subscriber callback")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wire := s.wireKeyLocked(canon)
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclSubscriber{
			Key:      wire,
			Reliable: info.Reliable,
			Mode:     info.Mode,
			Period:   info.Period,
		},
	}}
	if err := s.tr.SendZenoh(transport.ChannelReliable, decl); err != nil {
		return nil, err
	}
	sub := &Subscriber{
		ID:   s.newEntityID(),
		Key:  canon,
		Info: info,
		cb:   cb,
		rid:  wire.RID,
	}
	s.subscribers[sub.ID] = sub
	s.metrics.SetEntities("subscriber", len(s.subscribers))
	s.log.Debug("subscriber declared",
		slog.Uint64("id", sub.ID),
		slog.String("keyexpr", canon),
	)
	return sub, nil
}

// UndeclareSubscriber retracts the subscription and synchronously
// drains dispatch: once it returns the callback will not run again.
func (s *Session) UndeclareSubscriber(sub *Subscriber) error {
	if sub == nil {
		return zerr.New(zerr.Null)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.ID]; !ok {
		return zerr.Errorf(zerr.Invalid, "subscriber %d not declared", sub.ID)
	}
	delete(s.subscribers, sub.ID)
	s.metrics.SetEntities("subscriber", len(s.subscribers))
	if !s.IsOpen() {
		return nil
	}
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclForgetSubscriber{Key: protocol.ResKey{Suffix: sub.Key}},
	}}
	return s.tr.SendZenoh(transport.ChannelReliable, decl)
}

// DeclarePublisher announces a publisher on ke.
func (s *Session) DeclarePublisher(ke string) (*Publisher, error) {
	if !s.IsOpen() {
		return nil, zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wire := s.wireKeyLocked(canon)
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclPublisher{Key: wire},
	}}
	if err := s.tr.SendZenoh(transport.ChannelReliable, decl); err != nil {
		return nil, err
	}
	pub := &Publisher{ID: s.newEntityID(), Key: canon, rid: wire.RID}
	s.publishers[pub.ID] = pub
	s.metrics.SetEntities("publisher", len(s.publishers))
	return pub, nil
}

// UndeclarePublisher retracts the publisher.
func (s *Session) UndeclarePublisher(pub *Publisher) error {
	if pub == nil {
		return zerr.New(zerr.Null)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.publishers[pub.ID]; !ok {
		return zerr.Errorf(zerr.Invalid, "publisher %d not declared", pub.ID)
	}
	delete(s.publishers, pub.ID)
	s.metrics.SetEntities("publisher", len(s.publishers))
	if !s.IsOpen() {
		return nil
	}
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclForgetPublisher{Key: protocol.ResKey{Suffix: pub.Key}},
	}}
	return s.tr.SendZenoh(transport.ChannelReliable, decl)
}

// WriteOptions extends Write with sample metadata.
type WriteOptions struct {
	Encoding  *protocol.Encoding
	Kind      uint64
	Timestamp *protocol.Timestamp
	Reliable  bool
	Droppable bool
}

// Write publishes payload on ke over the reliable channel.
func (s *Session) Write(ke string, payload []byte) error {
	return s.WriteExt(ke, payload, WriteOptions{Reliable: true})
}

// WriteExt publishes payload with explicit metadata.
func (s *Session) WriteExt(ke string, payload []byte, opts WriteOptions) error {
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return zerr.Wrap(zerr.Invalid, err)
	}

	s.mu.Lock()
	wire := s.wireKeyLocked(canon)
	s.mu.Unlock()

	var info *protocol.DataInfo
	if opts.Encoding != nil || opts.Kind != 0 || opts.Timestamp != nil {
		info = &protocol.DataInfo{
			Encoding:  opts.Encoding,
			Timestamp: opts.Timestamp,
		}
		if opts.Kind != 0 {
			kind := opts.Kind
			info.Kind = &kind
		}
	}
	data := &protocol.MsgData{
		Key:       wire,
		Info:      info,
		Payload:   payload,
		Droppable: opts.Droppable,
	}
	ch := transport.ChannelBestEffort
	if opts.Reliable {
		ch = transport.ChannelReliable
	}
	return s.tr.SendZenoh(ch, data)
}

// Pull requests buffered samples for a pull-mode subscription.
func (s *Session) Pull(sub *Subscriber) error {
	if sub == nil {
		return zerr.New(zerr.Null)
	}
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	if sub.Info.Mode != protocol.SubModePull {
		return zerr.Errorf(zerr.Invalid, "subscriber %d is not pull-mode", sub.ID)
	}
	s.mu.Lock()
	wire := s.wireKeyLocked(sub.Key)
	s.mu.Unlock()
	pull := &protocol.MsgPull{
		Key:    wire,
		PullID: uint64(s.nextQID.Add(1)),
		Final:  true,
	}
	return s.tr.SendZenoh(transport.ChannelReliable, pull)
}

// handleData resolves the wire key and fans the sample out to every
// intersecting subscriber, exactly once per message. Caller holds mu.
func (s *Session) handleData(peer *transport.Peer, m *protocol.MsgData) {
	ke, ok := s.resolvedOrLog(peer, m.Key)
	if !ok {
		return
	}
	sample := Sample{
		Key:   ke,
		Value: m.Payload,
		Kind:  SampleKindPut,
	}
	if m.Info != nil {
		sample.Encoding = m.Info.Encoding
		sample.Timestamp = m.Info.Timestamp
		sample.SourceID = m.Info.SourceID
		if m.Info.Kind != nil {
			sample.Kind = *m.Info.Kind
		}
	}
	for _, sub := range s.subscribers {
		if keyexpr.Intersects(sub.Key, ke) {
			s.metrics.IncSamplesDelivered()
			sub.cb(sample)
		}
	}
}
