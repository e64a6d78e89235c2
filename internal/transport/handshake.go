package transport

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/link"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// OpenUnicast dials lnk and drives the Init/Open establishment
// exchange as the initiator. On success the read and lease tasks are
// running and the transport is open.
func OpenUnicast(ctx context.Context, lnk link.Link, cfg Config, handler Handler) (*Transport, error) {
	cfg = cfg.withDefaults()
	if lnk.Caps().Transport != link.TransportUnicast {
		// Peer-unicast open over a multicast link is not implemented.
		return nil, zerr.Errorf(zerr.TransportOpenFailed,
			"unicast open over %s link", lnk.Caps().Transport)
	}
	if err := protocol.ValidateZID(cfg.ZID); err != nil {
		return nil, err
	}
	if err := lnk.Open(ctx); err != nil {
		return nil, zerr.Wrap(zerr.TransportOpenFailed, err)
	}

	t := &Transport{
		lnk:        lnk,
		cfg:        cfg,
		log:        cfg.Logger.With(slog.String("component", "transport.unicast")),
		metrics:    cfg.Metrics,
		handler:    handler,
		resolution: cfg.SNResolution,
		batchSize:  cfg.BatchSize,
		leaseMS:    cfg.LeaseMS,
	}
	t.batch = iobuf.NewWBuf(t.batchLimit(), false)

	if err := t.handshake(); err != nil {
		_ = lnk.Close()
		return nil, err
	}
	t.startTasks()
	t.log.Info("session established",
		slog.String("sn_resolution", t.resolution.String()),
		slog.Uint64("lease_ms", t.leaseMS),
	)
	return t, nil
}

// handshake runs the initiator side of §Init/Open. Any deviation from
// the exact message sequence fails with MESSAGE_UNEXPECTED.
func (t *Transport) handshake() error {
	initSyn := &protocol.MsgInit{
		Version:      protocol.ProtocolVersion,
		Whatami:      t.cfg.Whatami,
		ZID:          t.cfg.ZID,
		SNResolution: t.cfg.SNResolution,
		BatchSize:    t.cfg.BatchSize,
		PatchLevel:   CurrentPatchLevel,
	}
	if err := t.send(initSyn, true); err != nil {
		return zerr.Wrap(zerr.TransportOpenFailed, err)
	}

	msg, err := t.recvOne()
	if err != nil {
		return zerr.Wrap(zerr.TransportOpenFailed, err)
	}
	initAck, ok := msg.(*protocol.MsgInit)
	if !ok || !initAck.Ack {
		return zerr.Errorf(zerr.MessageUnexpected,
			"handshake: want Init(Ack), got %T", msg)
	}

	// Every negotiated parameter must be <= the proposal; a responder
	// asking for more than we can encode is rejected.
	if !initAck.SNResolution.Valid() || initAck.SNResolution > t.cfg.SNResolution {
		return zerr.Errorf(zerr.TransportOpenSNResolution,
			"responder sn resolution %s exceeds proposed %s",
			initAck.SNResolution, t.cfg.SNResolution)
	}
	if initAck.BatchSize > t.cfg.BatchSize {
		return zerr.Errorf(zerr.TransportOpenSNResolution,
			"responder batch size %d exceeds proposed %d",
			initAck.BatchSize, t.cfg.BatchSize)
	}
	t.resolution = initAck.SNResolution
	t.batchSize = initAck.BatchSize
	t.patchLevel = min(initAck.PatchLevel, CurrentPatchLevel)
	t.batch = iobuf.NewWBuf(t.batchLimit(), false)

	initialSN := rand.Uint64() & t.resolution.Mask()
	t.snTx.init(t.resolution, initialSN)

	openSyn := &protocol.MsgOpen{
		LeaseMS:   t.cfg.LeaseMS,
		InitialSN: initialSN,
		Cookie:    initAck.Cookie,
	}
	if err := t.send(openSyn, true); err != nil {
		return zerr.Wrap(zerr.TransportOpenFailed, err)
	}

	msg, err = t.recvOne()
	if err != nil {
		return zerr.Wrap(zerr.TransportOpenFailed, err)
	}
	openAck, ok := msg.(*protocol.MsgOpen)
	if !ok || !openAck.Ack {
		return zerr.Errorf(zerr.MessageUnexpected,
			"handshake: want Open(Ack), got %T", msg)
	}
	t.leaseMS = openAck.LeaseMS

	// The first frame the responder sends carries its initial SN, so
	// the rx state starts one behind it.
	peer := newPeer(initAck.ZID, "", initAck.Whatami, t.resolution,
		openAck.LeaseMS, NextSNPair{
			Reliable:   openAck.InitialSN,
			BestEffort: openAck.InitialSN,
		})
	peer.PatchLevel = t.patchLevel
	t.rxMu.Lock()
	t.peer = peer
	t.rxMu.Unlock()
	t.metrics.SetPeers(1)
	return nil
}

// OpenMulticast joins the group and broadcasts the Join announcement.
// Peer entries are created as other participants' Joins arrive.
func OpenMulticast(ctx context.Context, lnk link.Link, cfg Config, handler Handler) (*Transport, error) {
	cfg = cfg.withDefaults()
	if lnk.Caps().Transport != link.TransportMulticast {
		return nil, zerr.Errorf(zerr.TransportOpenFailed,
			"multicast open over %s link", lnk.Caps().Transport)
	}
	if cfg.Whatami == protocol.WhatamiClient {
		return nil, zerr.Errorf(zerr.ConfigUnsupportedClientMulticast,
			"client mode cannot join a multicast group")
	}
	if err := protocol.ValidateZID(cfg.ZID); err != nil {
		return nil, err
	}
	if err := lnk.Open(ctx); err != nil {
		return nil, zerr.Wrap(zerr.TransportOpenFailed, err)
	}

	t := &Transport{
		lnk:        lnk,
		cfg:        cfg,
		log:        cfg.Logger.With(slog.String("component", "transport.multicast")),
		metrics:    cfg.Metrics,
		handler:    handler,
		multicast:  true,
		resolution: cfg.SNResolution,
		batchSize:  cfg.BatchSize,
		leaseMS:    cfg.LeaseMS,
		peers:      make(map[string]*Peer),
		byAddr:     make(map[string]*Peer),
	}
	t.batch = iobuf.NewWBuf(t.batchLimit(), false)
	t.localSN = NextSNPair{
		Reliable:   rand.Uint64() & t.resolution.Mask(),
		BestEffort: rand.Uint64() & t.resolution.Mask(),
	}
	t.snTx.initPair(t.resolution, t.localSN.Reliable, t.localSN.BestEffort)

	if err := t.sendJoin(); err != nil {
		_ = lnk.Close()
		return nil, zerr.Wrap(zerr.TransportOpenFailed, err)
	}
	t.startTasks()
	t.log.Info("joined group", slog.String("sn_resolution", t.resolution.String()))
	return t, nil
}

// sendJoin broadcasts the Join announcement with the next TX SNs.
func (t *Transport) sendJoin() error {
	join := &protocol.MsgJoin{
		Version:      protocol.ProtocolVersion,
		Whatami:      t.cfg.Whatami,
		LeaseMS:      t.leaseMS,
		ZID:          t.cfg.ZID,
		SNResolution: t.resolution,
		BatchSize:    t.batchSize,
		NextSN: protocol.NextSN{
			Reliable:   t.snTx.peek(ChannelReliable),
			BestEffort: t.snTx.peek(ChannelBestEffort),
		},
	}
	return t.send(join, true)
}
