package session

import (
	"log/slog"
	"strings"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/keyexpr"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/transport"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// DeclareResource assigns a fresh local id to ke, announces the
// mapping, and records it. Re-declaring an identical ke returns the
// existing id.
func (s *Session) DeclareResource(ke string) (uint64, error) {
	if !s.IsOpen() {
		return 0, zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	canon, err := keyexpr.Canonize(ke)
	if err != nil {
		return 0, zerr.Wrap(zerr.Invalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for rid, existing := range s.localResources {
		if existing == canon {
			return rid, nil
		}
	}
	// Local ids come from a counter that never decrements within the
	// session, so an id is defined on one side only.
	rid := s.nextRID.Add(1)
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclResource{RID: rid, Key: protocol.ResKey{Suffix: canon}},
	}}
	if err := s.tr.SendZenoh(transport.ChannelReliable, decl); err != nil {
		return 0, err
	}
	s.localResources[rid] = canon
	s.metrics.SetEntities("resource", len(s.localResources))
	s.log.Debug("resource declared",
		slog.Uint64("rid", rid),
		slog.String("keyexpr", canon),
	)
	return rid, nil
}

// UndeclareResource retracts rid. It fails while any live publisher,
// subscriber, or queryable still refers to it.
func (s *Session) UndeclareResource(rid uint64) error {
	if !s.IsOpen() {
		return zerr.Errorf(zerr.TransportNotAvailable, "session closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.localResources[rid]; !ok {
		return zerr.Errorf(zerr.Invalid, "resource %d not declared", rid)
	}
	if n := s.refsToLocked(rid); n > 0 {
		return zerr.Errorf(zerr.Invalid,
			"resource %d still referenced by %d entities", rid, n)
	}
	decl := &protocol.MsgDeclare{Declarations: []protocol.Declaration{
		&protocol.DeclForgetResource{RID: rid},
	}}
	if err := s.tr.SendZenoh(transport.ChannelReliable, decl); err != nil {
		return err
	}
	delete(s.localResources, rid)
	s.metrics.SetEntities("resource", len(s.localResources))
	return nil
}

// refsToLocked counts live entities whose wire key is rooted at the
// resource.
func (s *Session) refsToLocked(rid uint64) int {
	n := 0
	for _, sub := range s.subscribers {
		if sub.rid == rid {
			n++
		}
	}
	for _, q := range s.queryables {
		if q.rid == rid {
			n++
		}
	}
	for _, p := range s.publishers {
		if p.rid == rid {
			n++
		}
	}
	return n
}

// handleDeclare records remote declarations.
func (s *Session) handleDeclare(peer *transport.Peer, m *protocol.MsgDeclare) {
	for _, d := range m.Declarations {
		switch dd := d.(type) {
		case *protocol.DeclResource:
			ke, ok := s.resolvedOrLog(peer, dd.Key)
			if !ok {
				continue
			}
			peerKey := string(peer.ZID)
			if s.remoteResources[peerKey] == nil {
				s.remoteResources[peerKey] = make(map[uint64]string)
			}
			s.remoteResources[peerKey][dd.RID] = ke
			s.log.Debug("remote resource declared",
				slog.Uint64("rid", dd.RID),
				slog.String("keyexpr", ke),
			)
		case *protocol.DeclForgetResource:
			if rr := s.remoteResources[string(peer.ZID)]; rr != nil {
				delete(rr, dd.RID)
			}
		case *protocol.DeclSubscriber, *protocol.DeclPublisher,
			*protocol.DeclQueryable, *protocol.DeclForgetSubscriber,
			*protocol.DeclForgetPublisher, *protocol.DeclForgetQueryable:
			// A leaf client routes nothing: remote interest declarations
			// need no local state.
		}
	}
}

// resolveKeyLocked expands a wire key to its textual expression using
// the declaring peer's resource table.
func (s *Session) resolveKeyLocked(peer *transport.Peer, key protocol.ResKey) (string, error) {
	if key.RID == 0 {
		if key.Suffix == "" {
			return "", zerr.Errorf(zerr.ParseResKey, "empty wire key")
		}
		return key.Suffix, nil
	}
	var prefix string
	var ok bool
	if peer != nil {
		if rr := s.remoteResources[string(peer.ZID)]; rr != nil {
			prefix, ok = rr[key.RID]
		}
	}
	if !ok {
		// The peer may reference an id we declared (reflected keys).
		prefix, ok = s.localResources[key.RID]
	}
	if !ok {
		return "", zerr.Errorf(zerr.ParseResKey, "unknown resource id %d", key.RID)
	}
	if key.Suffix == "" {
		return prefix, nil
	}
	return prefix + key.Suffix, nil
}

// wireKeyLocked picks the cheapest on-wire form of ke: a declared id,
// a declared prefix plus suffix, or the full literal.
func (s *Session) wireKeyLocked(ke string) protocol.ResKey {
	best := protocol.ResKey{Suffix: ke}
	bestLen := len(ke)
	for rid, declared := range s.localResources {
		if declared == ke {
			return protocol.ResKey{RID: rid}
		}
		if strings.HasPrefix(ke, declared) && strings.HasPrefix(ke[len(declared):], "/") {
			suffix := ke[len(declared):]
			if len(suffix) < bestLen {
				best = protocol.ResKey{RID: rid, Suffix: suffix}
				bestLen = len(suffix)
			}
		}
	}
	return best
}
