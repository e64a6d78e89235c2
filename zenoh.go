// Package zenohpico is a lightweight client for the Zenoh pub/sub +
// query protocol. It turns a byte-oriented link (TCP, UDP unicast,
// UDP multicast, WebSocket) into a reliable, ordered, multiplexed
// session carrying pub/sub and query/response traffic.
//
// The usual flow:
//
//	s, err := zenohpico.Open(ctx, zenohpico.Properties{
//		zenohpico.ConfigConnectKey: "tcp/127.0.0.1:7447",
//	})
//	defer s.Close()
//	sub, _ := s.DeclareSubscriber("demo/example/**", zenohpico.SubscriberOptions{},
//		func(sample zenohpico.Sample) { ... })
package zenohpico

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/config"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/metrics"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/session"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// Properties is the property-style configuration map.
type Properties map[string]string

// Configuration property keys.
const (
	// ConfigModeKey selects the session role: "client" or "peer".
	ConfigModeKey = config.KeyMode

	// ConfigConnectKey is the locator to connect to.
	ConfigConnectKey = config.KeyConnect

	// ConfigPeerKey is the legacy alias of ConfigConnectKey.
	ConfigPeerKey = config.KeyPeer

	// ConfigUserKey is the authentication user name.
	ConfigUserKey = config.KeyUser

	// ConfigPasswordKey is the authentication password.
	ConfigPasswordKey = config.KeyPassword

	// ConfigMulticastAddressKey is the multicast group locator.
	ConfigMulticastAddressKey = config.KeyMulticastAddress
)

// Session roles.
const (
	ModeClient = "client"
	ModePeer   = "peer"
	ModeRouter = "router"
)

// Queryable kinds.
const (
	QueryableAllKinds = protocol.QueryableAllKinds
	QueryableStorage  = protocol.QueryableStorage
	QueryableEval     = protocol.QueryableEval
)

// Reply consolidation policies.
const (
	ConsolidationNone      = protocol.ConsolidationNone
	ConsolidationMonotonic = protocol.ConsolidationMonotonic
	ConsolidationLatest    = protocol.ConsolidationLatest
)

// Sample kinds.
const (
	SampleKindPut    = session.SampleKindPut
	SampleKindDelete = session.SampleKindDelete
)

// parseMode maps a role string onto the wire bitmask.
func parseMode(mode string) (protocol.Whatami, error) {
	switch mode {
	case "", ModeClient:
		return protocol.WhatamiClient, nil
	case ModePeer:
		return protocol.WhatamiPeer, nil
	case ModeRouter:
		return protocol.WhatamiRouter, nil
	default:
		return 0, zerr.Errorf(zerr.Invalid, "unknown mode %q", mode)
	}
}

// Sample is a received data sample.
type Sample struct {
	Key       string
	Value     []byte
	Kind      uint64
	Timestamp *Timestamp
}

// Timestamp orders samples by (time, id).
type Timestamp struct {
	Time uint64
	ID   []byte
}

// Reply is one response to a query: samples first, then exactly one
// with Final set.
type Reply struct {
	Final       bool
	Sample      Sample
	ReplierKind uint64
	ReplierID   []byte
}

// Hello is one scouting response.
type Hello struct {
	ZID      []byte
	Whatami  string
	Locators []string
}

// SubscriberOptions tunes a subscription.
type SubscriberOptions struct {
	// BestEffort selects the best-effort channel; the default (false)
	// is the reliable channel.
	BestEffort bool

	// Pull buffers samples until an explicit Pull call.
	Pull bool
}

// QueryOptions tunes a query.
type QueryOptions struct {
	// KindMask restricts replier kinds (0 means all).
	KindMask uint64

	// Consolidation is the reply deduplication policy.
	Consolidation protocol.Consolidation
}

// Subscriber is a declared subscription.
type Subscriber struct {
	s   *Session
	sub *session.Subscriber
}

// Publisher is a declared publisher.
type Publisher struct {
	s   *Session
	pub *session.Publisher
}

// Queryable is a declared query handler.
type Queryable struct {
	s *Session
	q *session.Queryable
}

// Query is an inbound query handed to a queryable callback.
type Query struct {
	Key       string
	Predicate string

	inner *session.Query
}

// Reply emits one reply sample.
func (q *Query) Reply(ke string, payload []byte) error {
	return q.inner.Reply(ke, payload)
}

// ReplyFinal signals that no further replies follow.
func (q *Query) ReplyFinal() error {
	return q.inner.ReplyFinal()
}

// LivelinessToken asserts liveness of a key expression.
type LivelinessToken struct {
	s   *Session
	tok *session.LivelinessToken
}

// Session is an open Zenoh session.
type Session struct {
	s   *session.Session
	log *slog.Logger

	// metricsSrv serves the Prometheus endpoint when configured.
	metricsSrv *http.Server
}

// Open establishes a session from property-style configuration.
func Open(ctx context.Context, props Properties) (*Session, error) {
	cfg := config.DefaultConfig()
	config.FromProperties(cfg, props)
	return openFromConfig(ctx, cfg)
}

// OpenConfigFile establishes a session from a YAML configuration file
// (with ZENOH_* environment overrides). When metrics.addr is set, a
// Prometheus endpoint is served for the session's lifetime.
func OpenConfigFile(ctx context.Context, path string) (*Session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}
	return openFromConfig(ctx, cfg)
}

func openFromConfig(ctx context.Context, cfg *config.Config) (*Session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.Log.Level),
	}))

	mode, err := parseMode(cfg.Session.Mode)
	if err != nil {
		return nil, err
	}
	locator := cfg.Session.Connect
	if locator == "" {
		locator = cfg.Session.MulticastAddress
	}

	var res protocol.Resolution
	switch cfg.Session.SNResolutionBits {
	case 8:
		res = protocol.Res8
	case 14:
		res = protocol.Res14
	case 21:
		res = protocol.Res21
	case 28:
		res = protocol.Res28
	case 56:
		res = protocol.Res56
	}

	scfg := session.Config{
		Mode:         mode,
		Locator:      locator,
		LeaseMS:      uint64(cfg.Session.Lease / time.Millisecond),
		SNResolution: res,
		BatchSize:    cfg.Session.BatchSize,
		User:         cfg.Session.User,
		Password:     cfg.Session.Password,
		Logger:       logger,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		scfg.Metrics = collector
		scfg.TransportMetrics = collector

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil &&
				err != http.ErrServerClosed {
				logger.Warn("metrics endpoint failed",
					slog.String("addr", cfg.Metrics.Addr),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	inner, err := session.Open(ctx, scfg)
	if err != nil {
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return nil, err
	}
	return &Session{s: inner, log: logger, metricsSrv: metricsSrv}, nil
}

// Close tears the session down. After Close returns no user callback
// runs and every pending query has received its final reply.
func (s *Session) Close() error {
	err := s.s.Close()
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
	return err
}

// Info returns the session properties (local identity, mode, peers).
func (s *Session) Info() Properties {
	return s.s.Info()
}

// DeclareResource maps ke onto a numeric resource id for wire-key
// optimization.
func (s *Session) DeclareResource(ke string) (uint64, error) {
	return s.s.DeclareResource(ke)
}

// UndeclareResource retracts a declared resource id.
func (s *Session) UndeclareResource(rid uint64) error {
	return s.s.UndeclareResource(rid)
}

// sampleOut converts an internal sample.
func sampleOut(in session.Sample) Sample {
	out := Sample{Key: in.Key, Value: in.Value, Kind: in.Kind}
	if in.Timestamp != nil {
		out.Timestamp = &Timestamp{Time: in.Timestamp.Time, ID: in.Timestamp.ID}
	}
	return out
}

// DeclareSubscriber registers cb for samples matching ke.
func (s *Session) DeclareSubscriber(ke string, opts SubscriberOptions, cb func(Sample)) (*Subscriber, error) {
	info := session.SubscriberInfo{Reliable: !opts.BestEffort}
	if opts.Pull {
		info.Mode = protocol.SubModePull
	}
	sub, err := s.s.DeclareSubscriber(ke, info, func(in session.Sample) {
		cb(sampleOut(in))
	})
	if err != nil {
		return nil, err
	}
	return &Subscriber{s: s, sub: sub}, nil
}

// Undeclare retracts the subscription; the callback will not run
// again once it returns.
func (sub *Subscriber) Undeclare() error {
	return sub.s.s.UndeclareSubscriber(sub.sub)
}

// Pull requests buffered samples of a pull-mode subscription.
func (sub *Subscriber) Pull() error {
	return sub.s.s.Pull(sub.sub)
}

// DeclarePublisher announces a publisher on ke.
func (s *Session) DeclarePublisher(ke string) (*Publisher, error) {
	pub, err := s.s.DeclarePublisher(ke)
	if err != nil {
		return nil, err
	}
	return &Publisher{s: s, pub: pub}, nil
}

// Undeclare retracts the publisher.
func (pub *Publisher) Undeclare() error {
	return pub.s.s.UndeclarePublisher(pub.pub)
}

// Write publishes payload on ke. A publisher declaration is not
// required.
func (s *Session) Write(ke string, payload []byte) error {
	return s.s.Write(ke, payload)
}

// DeclareQueryable registers cb for queries intersecting ke and kind.
func (s *Session) DeclareQueryable(ke string, kind uint64, cb func(*Query)) (*Queryable, error) {
	q, err := s.s.DeclareQueryable(ke, kind, func(in *session.Query) {
		cb(&Query{Key: in.Key, Predicate: in.Predicate, inner: in})
	})
	if err != nil {
		return nil, err
	}
	return &Queryable{s: s, q: q}, nil
}

// Undeclare retracts the queryable.
func (q *Queryable) Undeclare() error {
	return q.s.s.UndeclareQueryable(q.q)
}

// replyOut converts an internal reply.
func replyOut(in session.Reply) Reply {
	return Reply{
		Final:       in.Final,
		Sample:      sampleOut(in.Sample),
		ReplierKind: in.ReplierKind,
		ReplierID:   in.ReplierID,
	}
}

// queryOptions converts public options.
func queryOptions(opts QueryOptions) session.QueryOptions {
	o := session.DefaultQueryOptions()
	if opts.KindMask != 0 {
		o.Target.Kind = opts.KindMask
	}
	o.Consolidation = opts.Consolidation
	return o
}

// Query issues a query; replies stream into cb and end with a final
// sentinel, guaranteed even across session close.
func (s *Session) Query(ke, predicate string, opts QueryOptions, cb func(Reply)) error {
	return s.s.Query(ke, predicate, queryOptions(opts), func(in session.Reply) {
		cb(replyOut(in))
	})
}

// QueryCollect issues a query and blocks until the final reply,
// returning the collected samples.
func (s *Session) QueryCollect(ke, predicate string, opts QueryOptions) ([]Reply, error) {
	replies, err := s.s.QueryCollect(ke, predicate, queryOptions(opts))
	if err != nil {
		return nil, err
	}
	out := make([]Reply, 0, len(replies))
	for _, r := range replies {
		out = append(out, replyOut(r))
	}
	return out, nil
}

// LivelinessDeclareToken asserts liveness of ke until undeclared or
// session death.
func (s *Session) LivelinessDeclareToken(ke string) (*LivelinessToken, error) {
	tok, err := s.s.LivelinessDeclareToken(ke)
	if err != nil {
		return nil, err
	}
	return &LivelinessToken{s: s, tok: tok}, nil
}

// Undeclare retracts the token.
func (t *LivelinessToken) Undeclare() error {
	return t.s.s.LivelinessUndeclareToken(t.tok)
}

// LivelinessDeclareSubscriber watches liveliness tokens matching ke.
func (s *Session) LivelinessDeclareSubscriber(ke string, cb func(Sample)) (*Subscriber, error) {
	sub, err := s.s.LivelinessDeclareSubscriber(ke, func(in session.Sample) {
		cb(sampleOut(in))
	})
	if err != nil {
		return nil, err
	}
	return &Subscriber{s: s, sub: sub}, nil
}

// LivelinessGet queries the currently alive tokens matching ke.
func (s *Session) LivelinessGet(ke string, cb func(Reply)) error {
	return s.s.LivelinessGet(ke, func(in session.Reply) {
		cb(replyOut(in))
	})
}

// Scout solicits HELLOs from reachable Zenoh processes. what is a role
// string ("router", "peer", "client", or empty for any); an empty
// locator uses the default scouting group.
func Scout(ctx context.Context, what string, props Properties, timeout time.Duration) ([]Hello, error) {
	cfg := config.DefaultConfig()
	config.FromProperties(cfg, props)

	var mask protocol.Whatami
	if what != "" {
		m, err := parseMode(what)
		if err != nil {
			return nil, err
		}
		mask = m
	}
	locator := cfg.Session.MulticastAddress
	if locator == "" {
		locator = cfg.Scout.Address
	}
	if timeout <= 0 {
		timeout = cfg.Scout.Timeout
	}

	hellos, err := session.Scout(ctx, mask, locator, timeout, slog.Default())
	if err != nil {
		return nil, err
	}
	out := make([]Hello, 0, len(hellos))
	for _, h := range hellos {
		out = append(out, Hello{
			ZID:      h.ZID,
			Whatami:  h.Whatami.String(),
			Locators: h.Locators,
		})
	}
	return out, nil
}
