package session

import (
	"log/slog"
	"sync"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/cancel"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/keyexpr"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/transport"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// -------------------------------------------------------------------------
// Queryables
// -------------------------------------------------------------------------

// Query is an inbound query handed to a queryable callback. The
// callback eventually replies via Reply and signals completion via
// ReplyFinal.
type Query struct {
	Key       string
	Predicate string
	Kind      uint64

	s   *Session
	qid uint64
}

// Reply emits one reply sample for the query.
func (q *Query) Reply(ke string, payload []byte) error {
	return q.s.queryReply(q, ke, payload)
}

// ReplyFinal signals that no further replies follow.
func (q *Query) ReplyFinal() error {
	return q.s.queryReplyFinal(q)
}

// QueryCallback handles inbound queries.
type QueryCallback func(*Query)

// Queryable is one registered query handler.
type Queryable struct {
	ID   uint64
	Key  string
	Kind uint64

	cb  QueryCallback
	rid uint64
}

// DeclareQueryable registers cb for queries whose kind mask and key
// expression intersect ours.
func (s *Session) DeclareQueryable(ke string, kind uint64, cb QueryCallback) (*Queryable, error) {
	if !s.IsOpen() {
		return nil, zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	if cb == nil {
		return nil, zerr.Errorf(zerr.Invalid, "nil queryable callback")
	}
	if kind == 0 {
		kind = protocol.QueryableEval
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return nil, zerr.Wrap(zerr.Invalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wire := s.wireKeyLocked(canon)
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclQueryable{Key: wire, Kind: kind},
	}}
	if err := s.tr.SendZenoh(transport.ChannelReliable, decl); err != nil {
		return nil, err
	}
	q := &Queryable{ID: s.newEntityID(), Key: canon, Kind: kind, cb: cb, rid: wire.RID}
	s.queryables[q.ID] = q
	s.metrics.SetEntities("queryable", len(s.queryables))
	s.log.Debug("queryable declared",
		slog.Uint64("id", q.ID),
		slog.String("keyexpr", canon),
		slog.Uint64("kind", kind),
	)
	return q, nil
}

// UndeclareQueryable retracts the handler; dispatch drains
// synchronously under the inner mutex, and outstanding queries the
// callback never finalized hold no local resources.
func (s *Session) UndeclareQueryable(q *Queryable) error {
	if q == nil {
		return zerr.New(zerr.Null)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queryables[q.ID]; !ok {
		return zerr.Errorf(zerr.Invalid, "queryable %d not declared", q.ID)
	}
	delete(s.queryables, q.ID)
	s.metrics.SetEntities("queryable", len(s.queryables))
	if !s.IsOpen() {
		return nil
	}
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclForgetQueryable{Key: protocol.ResKey{Suffix: q.Key}},
	}}
	return s.tr.SendZenoh(transport.ChannelReliable, decl)
}

// handleQuery fans an inbound query out to matching queryables.
// Caller holds mu.
func (s *Session) handleQuery(peer *transport.Peer, m *protocol.MsgQuery) {
	ke, ok := s.resolvedOrLog(peer, m.Key)
	if !ok {
		return
	}
	kind := protocol.QueryableAllKinds | protocol.QueryableStorage | protocol.QueryableEval
	if m.Target != nil {
		kind = m.Target.Kind
	}
	for _, q := range s.queryables {
		if kind&(q.Kind|protocol.QueryableAllKinds) == 0 && kind != protocol.QueryableAllKinds {
			continue
		}
		if !keyexpr.Intersects(q.Key, ke) {
			continue
		}
		q.cb(&Query{
			Key:       ke,
			Predicate: m.Predicate,
			Kind:      q.Kind,
			s:         s,
			qid:       m.QID,
		})
	}
}

// queryReply frames [ReplyContext, Data] for one reply sample.
func (s *Session) queryReply(q *Query, ke string, payload []byte) error {
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return zerr.Wrap(zerr.Invalid, err)
	}
	rc := &protocol.MsgReplyContext{
		QID:         q.qid,
		ReplierKind: q.Kind,
		ReplierID:   s.zid,
	}
	data := &protocol.MsgData{Key: protocol.ResKey{Suffix: canon}, Payload: payload}
	return s.tr.SendZenoh(transport.ChannelReliable, rc, data)
}

// queryReplyFinal frames the final [ReplyContext(F), Unit].
func (s *Session) queryReplyFinal(q *Query) error {
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	rc := &protocol.MsgReplyContext{QID: q.qid, Final: true}
	return s.tr.SendZenoh(transport.ChannelReliable, rc, &protocol.MsgUnit{})
}

// -------------------------------------------------------------------------
// Pending queries
// -------------------------------------------------------------------------

// Reply is delivered to a query callback: reply samples, then exactly
// one final sentinel.
type Reply struct {
	Final       bool
	Sample      Sample
	ReplierKind uint64
	ReplierID   []byte
}

// ReplyCallback consumes replies to an outstanding query.
type ReplyCallback func(Reply)

// storedReply is one consolidated entry. The slot keeps the position
// of the first arrival for the given key; replacements update it in
// place so the final flush preserves arrival order.
type storedReply struct {
	ke    string
	reply Reply
	ts    *protocol.Timestamp
}

// pendingQuery is one outstanding query.
type pendingQuery struct {
	id            uint32
	target        protocol.QueryTarget
	consolidation protocol.Consolidation
	cb            ReplyCallback
	replies       []storedReply
	handlerID     uint64
	liveliness    bool
}

// tsBefore orders timestamps with the missing-sorts-first rule.
func tsBefore(a, b *protocol.Timestamp) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Compare(*b) < 0
}

// QueryOptions tunes an outbound query.
type QueryOptions struct {
	Target        protocol.QueryTarget
	Consolidation protocol.Consolidation
}

// DefaultQueryOptions targets all kinds, best matching, monotonic.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		Target: protocol.QueryTarget{
			Kind: protocol.QueryableAllKinds |
				protocol.QueryableStorage |
				protocol.QueryableEval,
			Tag: protocol.TargetBestMatching,
		},
		Consolidation: protocol.ConsolidationMonotonic,
	}
}

// Query issues a query over ke and returns once the message is on the
// wire. Replies arrive through cb; the final sentinel is guaranteed —
// by reply, by cancellation, or by session close.
func (s *Session) Query(ke, predicate string, opts QueryOptions, cb ReplyCallback) error {
	return s.query(ke, predicate, opts, cb, false)
}

func (s *Session) query(ke, predicate string, opts QueryOptions, cb ReplyCallback, liveliness bool) error {
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	if cb == nil {
		return zerr.Errorf(zerr.Invalid, "nil reply callback")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return zerr.Wrap(zerr.Invalid, err)
	}

	qid := s.nextQID.Add(1)
	pq := &pendingQuery{
		id:            qid,
		target:        opts.Target,
		consolidation: opts.Consolidation,
		cb:            cb,
		liveliness:    liveliness,
	}

	s.mu.Lock()
	s.tableFor(pq)[qid] = pq
	s.metrics.SetPendingQueries(len(s.pendingQueries) + len(s.pendingLive))
	wire := s.wireKeyLocked(canon)
	s.mu.Unlock()

	// The cancellation pairing: exactly one handler per pending query.
	// The handler carries a weak session reference and upgrades per
	// invocation, so handlers never extend the session's lifetime.
	// Registered outside the inner mutex; the token may be cancelling
	// concurrently, in which case the handler runs before we return.
	weakSelf, wkErr := s.self.Downgrade()
	handler := cancel.Handler{
		Callback: func() error {
			s.cancelQuery(pq)
			return nil
		},
	}
	if wkErr == nil {
		handler.Callback = func() error {
			strong := weakSelf.Upgrade()
			if strong.IsNull() {
				return nil
			}
			strong.Value().cancelQuery(pq)
			strong.Drop()
			return nil
		}
		handler.Drop = func() { weakSelf.Drop() }
	}
	handlerID, addErr := s.token.AddHandler(handler)
	if addErr != nil {
		return addErr
	}
	s.mu.Lock()
	if _, live := s.tableFor(pq)[qid]; live {
		pq.handlerID = handlerID
	}
	s.mu.Unlock()

	target := opts.Target
	msg := &protocol.MsgQuery{
		Key:           wire,
		Predicate:     predicate,
		QID:           uint64(qid),
		Target:        &target,
		Consolidation: opts.Consolidation,
	}
	if err := s.tr.SendZenoh(transport.ChannelReliable, msg); err != nil {
		s.mu.Lock()
		delete(s.tableFor(pq), qid)
		s.metrics.SetPendingQueries(len(s.pendingQueries) + len(s.pendingLive))
		s.mu.Unlock()
		s.token.RemoveHandler(handlerID)
		return err
	}
	s.metrics.IncQueriesIssued()
	return nil
}

// tableFor picks the pending table. Caller holds mu.
func (s *Session) tableFor(pq *pendingQuery) map[uint32]*pendingQuery {
	if pq.liveliness {
		return s.pendingLive
	}
	return s.pendingQueries
}

// cancelQuery removes the pending entry and delivers the final
// sentinel. Runs from the cancellation token.
func (s *Session) cancelQuery(pq *pendingQuery) {
	s.mu.Lock()
	_, live := s.tableFor(pq)[pq.id]
	if live {
		delete(s.tableFor(pq), pq.id)
		s.metrics.SetPendingQueries(len(s.pendingQueries) + len(s.pendingLive))
	}
	if live {
		// No reply samples after cancellation: only the final.
		pq.cb(Reply{Final: true})
	}
	s.mu.Unlock()
}

// lookupPending finds a pending entry in either table. Caller holds mu.
func (s *Session) lookupPending(qid uint32) *pendingQuery {
	if pq, ok := s.pendingQueries[qid]; ok {
		return pq
	}
	if pq, ok := s.pendingLive[qid]; ok {
		return pq
	}
	return nil
}

// handleReplyData processes a partial (non-final) reply. Caller holds mu.
func (s *Session) handleReplyData(peer *transport.Peer, rc *protocol.MsgReplyContext, m *protocol.MsgData) {
	pq := s.lookupPending(uint32(rc.QID))
	if pq == nil {
		s.log.Debug("reply for unknown query", slog.Uint64("qid", rc.QID))
		return
	}
	// A replier kind outside the query's target mask is dropped.
	if pq.target.Kind != 0 && rc.ReplierKind != 0 &&
		pq.target.Kind&rc.ReplierKind == 0 {
		return
	}
	ke, ok := s.resolvedOrLog(peer, m.Key)
	if !ok {
		return
	}
	s.metrics.IncRepliesReceived()

	sample := Sample{Key: ke, Value: m.Payload, Kind: SampleKindPut}
	var ts *protocol.Timestamp
	if m.Info != nil {
		sample.Encoding = m.Info.Encoding
		sample.Timestamp = m.Info.Timestamp
		sample.SourceID = m.Info.SourceID
		if m.Info.Kind != nil {
			sample.Kind = *m.Info.Kind
		}
		ts = m.Info.Timestamp
	}
	reply := Reply{
		Sample:      sample,
		ReplierKind: rc.ReplierKind,
		ReplierID:   rc.ReplierID,
	}

	switch pq.consolidation {
	case protocol.ConsolidationNone:
		pq.cb(reply)

	case protocol.ConsolidationMonotonic:
		if idx, dup := findReply(pq.replies, ke); dup {
			if !tsBefore(pq.replies[idx].ts, ts) {
				return
			}
			pq.replies[idx] = storedReply{ke: ke, reply: reply, ts: ts}
		} else {
			pq.replies = append(pq.replies, storedReply{ke: ke, reply: reply, ts: ts})
		}
		pq.cb(reply)

	case protocol.ConsolidationLatest:
		if idx, dup := findReply(pq.replies, ke); dup {
			if !tsBefore(pq.replies[idx].ts, ts) {
				return
			}
			pq.replies[idx] = storedReply{ke: ke, reply: reply, ts: ts}
		} else {
			pq.replies = append(pq.replies, storedReply{ke: ke, reply: reply, ts: ts})
		}
	}
}

// findReply locates the stored entry for ke.
func findReply(replies []storedReply, ke string) (int, bool) {
	for i := range replies {
		if replies[i].ke == ke {
			return i, true
		}
	}
	return 0, false
}

// finalizeQuery processes the final reply: flush buffered entries
// (latest only) in arrival order, deliver the sentinel, and drop the
// pairing. Caller holds mu.
func (s *Session) finalizeQuery(qid64 uint64) {
	qid := uint32(qid64)
	pq := s.lookupPending(qid)
	if pq == nil {
		return
	}
	delete(s.tableFor(pq), qid)
	s.metrics.SetPendingQueries(len(s.pendingQueries) + len(s.pendingLive))

	if pq.consolidation == protocol.ConsolidationLatest {
		for _, st := range pq.replies {
			pq.cb(st.reply)
		}
	}
	pq.replies = nil
	pq.cb(Reply{Final: true})
	if pq.handlerID != 0 {
		s.token.RemoveHandler(pq.handlerID)
	}
}

// QueryCollect issues a query and blocks until the final reply (or
// cancellation), returning the collected reply samples.
func (s *Session) QueryCollect(ke, predicate string, opts QueryOptions) ([]Reply, error) {
	var (
		mu      sync.Mutex
		replies []Reply
		done    = make(chan struct{})
	)
	err := s.Query(ke, predicate, opts, func(r Reply) {
		if r.Final {
			close(done)
			return
		}
		mu.Lock()
		replies = append(replies, r)
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	return replies, nil
}
