// Package session implements the session layer: declaration tables
// (resources, publishers, subscribers, queryables), the pending-query
// table with reply consolidation, dispatch of inbound samples and
// queries to user callbacks, scouting, and liveliness.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/cancel"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/link"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/refc"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/transport"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// Reporter receives session-level metrics. The default is a no-op.
type Reporter interface {
	// IncSamplesDelivered counts subscriber callback invocations.
	IncSamplesDelivered()

	// IncQueriesIssued counts outbound queries.
	IncQueriesIssued()

	// IncRepliesReceived counts inbound reply samples.
	IncRepliesReceived()

	// SetPendingQueries tracks the pending-query table size.
	SetPendingQueries(n int)

	// SetEntities tracks declared entities by kind
	// ("subscriber", "queryable", "publisher", "resource").
	SetEntities(kind string, n int)
}

type noopReporter struct{}

func (noopReporter) IncSamplesDelivered()    {}
func (noopReporter) IncQueriesIssued()       {}
func (noopReporter) IncRepliesReceived()     {}
func (noopReporter) SetPendingQueries(int)   {}
func (noopReporter) SetEntities(string, int) {}

// Config parameterizes Open.
type Config struct {
	// ZID is the local identity. Empty means a fresh random identity.
	ZID []byte

	// Mode is the local role (client, peer, router).
	Mode protocol.Whatami

	// Locator is the endpoint to connect (unicast) or join (multicast).
	Locator string

	// LeaseMS, SNResolution, BatchSize tune the transport proposal.
	LeaseMS      uint64
	SNResolution protocol.Resolution
	BatchSize    uint16

	// User and Password ride the session properties; they are not part
	// of the wire handshake.
	User     string
	Password string

	Logger  *slog.Logger
	Metrics Reporter

	// TransportMetrics feeds the transport layer collector.
	TransportMetrics transport.MetricsReporter
}

// transportAPI is the slice of the transport the session drives.
// Narrowed to an interface so dispatch logic is testable without a
// live link.
type transportAPI interface {
	SendZenoh(ch transport.Channel, msgs ...protocol.ZenohMessage) error
	Close(reason byte, linkOnly bool) error
	IsOpen() bool
	Peers() []*transport.Peer
}

// Session owns one transport plus the mutable declaration tables.
type Session struct {
	log     *slog.Logger
	metrics Reporter

	tr   transportAPI
	zid  []byte
	mode protocol.Whatami

	// mu is the inner mutex: one lock serializes table mutation and
	// callback dispatch, so a callback never observes half-registered
	// entities and undeclare drains synchronously. Reentrant for
	// declare-from-callback.
	mu reentrantMutex

	// Entity and query ids are unique for the session lifetime and
	// never reused.
	nextEntity atomic.Uint64
	nextQID    atomic.Uint32
	nextRID    atomic.Uint64

	// Tables, guarded by mu.
	localResources  map[uint64]string
	remoteResources map[string]map[uint64]string
	subscribers     map[uint64]*Subscriber
	publishers      map[uint64]*Publisher
	queryables      map[uint64]*Queryable
	pendingQueries  map[uint32]*pendingQuery
	pendingLive     map[uint32]*pendingQuery

	// pendingReply holds the reply-context decorator awaiting its
	// payload message on the read-task goroutine.
	pendingReply *protocol.MsgReplyContext

	token  *cancel.Token
	closed atomic.Bool

	// self is the strong reference dropped at Close. Cancellation
	// handlers hold weak references and upgrade per invocation, so the
	// handler <-> session cycle cannot keep a closed session alive.
	self refc.Rc[Session]
}

// Open establishes a session per the config: parse the locator, build
// the link, run the establishment exchange, and start the tasks.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopReporter{}
	}
	if cfg.Mode == 0 {
		cfg.Mode = protocol.WhatamiClient
	}
	zid := cfg.ZID
	if len(zid) == 0 {
		zid = NewZID()
	}
	if err := protocol.ValidateZID(zid); err != nil {
		return nil, err
	}
	if cfg.Locator == "" {
		return nil, zerr.Errorf(zerr.Invalid, "no locator configured")
	}

	ep, err := link.ParseEndpoint(cfg.Locator)
	if err != nil {
		return nil, err
	}
	lnk, err := link.New(ep)
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:             cfg.Logger.With(slog.String("component", "session")),
		metrics:         cfg.Metrics,
		zid:             zid,
		mode:            cfg.Mode,
		localResources:  make(map[uint64]string),
		remoteResources: make(map[string]map[uint64]string),
		subscribers:     make(map[uint64]*Subscriber),
		publishers:      make(map[uint64]*Publisher),
		queryables:      make(map[uint64]*Queryable),
		pendingQueries:  make(map[uint32]*pendingQuery),
		pendingLive:     make(map[uint32]*pendingQuery),
		token:           cancel.NewToken(),
	}
	s.self = refc.New(s, nil)

	tcfg := transport.Config{
		ZID:          zid,
		Whatami:      cfg.Mode,
		LeaseMS:      cfg.LeaseMS,
		SNResolution: cfg.SNResolution,
		BatchSize:    cfg.BatchSize,
		Logger:       cfg.Logger,
		Metrics:      cfg.TransportMetrics,
	}

	multicast := lnk.Caps().Transport == link.TransportMulticast
	if multicast && cfg.Mode == protocol.WhatamiClient {
		_ = lnk.Close()
		return nil, zerr.Errorf(zerr.ConfigUnsupportedClientMulticast,
			"client mode cannot open %s", cfg.Locator)
	}
	var tr *transport.Transport
	if multicast {
		tr, err = transport.OpenMulticast(ctx, lnk, tcfg, s)
	} else {
		tr, err = transport.OpenUnicast(ctx, lnk, tcfg, s)
	}
	if err != nil {
		return nil, err
	}
	s.tr = tr
	s.log.Info("session open",
		slog.String("locator", cfg.Locator),
		slog.String("mode", cfg.Mode.String()),
	)
	return s, nil
}

// IsOpen reports whether the session has not been closed.
func (s *Session) IsOpen() bool {
	return !s.closed.Load() && s.tr.IsOpen()
}

// Close drives the graceful teardown: the cancellation token fires
// first (pending queries receive their final sentinel and the tables
// drain), then the transport runs its close handshake. No user
// callback runs after Close returns.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.token.Cancel(); err != nil {
		s.log.Warn("cancellation during close", slog.String("error", err.Error()))
	}
	s.self.Drop()
	err := s.tr.Close(protocol.CloseGeneric, false)
	s.log.Info("session closed")
	return err
}

// ZID returns the local identity.
func (s *Session) ZID() []byte { return s.zid }

// Mode returns the local role.
func (s *Session) Mode() protocol.Whatami { return s.mode }

// Info returns the session properties: local identity, mode, and the
// identities of the connected peers.
func (s *Session) Info() map[string]string {
	props := map[string]string{
		"zid":  hexBytes(s.zid),
		"mode": s.mode.String(),
	}
	for i, p := range s.tr.Peers() {
		key := "peer_zid"
		if i > 0 {
			key = key + "_" + itoa(i)
		}
		props[key] = hexBytes(p.ZID)
	}
	return props
}

// -------------------------------------------------------------------------
// Inbound dispatch — transport.Handler
// -------------------------------------------------------------------------

// HandleZenohMessage routes one inbound zenoh message. Runs on the
// read-task goroutine; the inner mutex serializes against user ops.
func (s *Session) HandleZenohMessage(peer *transport.Peer, msg protocol.ZenohMessage) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// A pending reply context decorates the next Data/Unit.
	if rc := s.pendingReply; rc != nil {
		s.pendingReply = nil
		switch m := msg.(type) {
		case *protocol.MsgData:
			s.handleReplyData(peer, rc, m)
			return
		case *protocol.MsgUnit:
			// The final Unit under a non-final context carries nothing.
			return
		default:
			s.log.Warn("reply context not followed by payload")
		}
	}

	switch m := msg.(type) {
	case *protocol.MsgDeclare:
		s.handleDeclare(peer, m)
	case *protocol.MsgData:
		s.handleData(peer, m)
	case *protocol.MsgQuery:
		s.handleQuery(peer, m)
	case *protocol.MsgPull:
		// Pull requests address remote pull subscribers; a leaf client
		// keeps no remote subscriber state to serve them from.
		s.log.Debug("pull ignored", slog.Uint64("pull_id", m.PullID))
	case *protocol.MsgUnit:
		// Bare units are keepalive-grade noise.
	case *protocol.MsgReplyContext:
		if m.Final {
			s.finalizeQuery(m.QID)
			return
		}
		s.pendingReply = m
	}
}

// HandlePeerJoined implements transport.Handler.
func (s *Session) HandlePeerJoined(peer *transport.Peer) {
	s.log.Info("peer joined session", slog.String("whatami", peer.Whatami.String()))
}

// HandlePeerLeft implements transport.Handler. The evicted peer's
// declarations are forgotten.
func (s *Session) HandlePeerLeft(peer *transport.Peer, reason error) {
	s.mu.Lock()
	delete(s.remoteResources, string(peer.ZID))
	s.mu.Unlock()
}

// HandleClosed implements transport.Handler: an abnormal transport
// death cancels the token so pending queries observe their final.
func (s *Session) HandleClosed(cause error) {
	if s.closed.Swap(true) {
		return
	}
	if cause != nil {
		s.log.Warn("transport closed", slog.String("cause", cause.Error()))
	}
	if err := s.token.Cancel(); err != nil {
		s.log.Warn("cancellation after transport close",
			slog.String("error", err.Error()))
	}
	s.self.Drop()
}

// newEntityID hands out a session-unique entity id.
func (s *Session) newEntityID() uint64 {
	return s.nextEntity.Add(1)
}

// resolvedOrLog canonizes a wire key against the peer's declarations,
// logging and dropping on failure.
func (s *Session) resolvedOrLog(peer *transport.Peer, key protocol.ResKey) (string, bool) {
	ke, err := s.resolveKeyLocked(peer, key)
	if err != nil {
		s.log.Warn("unresolvable wire key",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	return ke, true
}
