package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/link"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// Defaults used when Config leaves a field zero.
const (
	// DefaultLeaseMS is the session lease: silence for this long
	// declares the peer dead.
	DefaultLeaseMS = 10000

	// leaseTicksPerLease is the number of lease-task ticks per lease.
	leaseTicksPerLease = 4

	// DefaultBatchSize is the proposed batch bound, the largest a
	// 16-bit length prefix can carry.
	DefaultBatchSize = 65535

	// CurrentPatchLevel is the fragmentation framing level this
	// implementation speaks.
	CurrentPatchLevel = 1
)

// Config carries the local identity and the proposed parameters.
type Config struct {
	// ZID is the local identity, 1..16 bytes.
	ZID []byte

	// Whatami is the local role.
	Whatami protocol.Whatami

	// LeaseMS is the lease to advertise. Zero means DefaultLeaseMS.
	LeaseMS uint64

	// SNResolution is the proposed SN modulus. The responder may only
	// shrink it.
	SNResolution protocol.Resolution

	// BatchSize is the proposed batch bound. Zero means DefaultBatchSize.
	BatchSize uint16

	// Logger receives transport events. Required.
	Logger *slog.Logger

	// Metrics receives transport counters. Nil means no-op.
	Metrics MetricsReporter
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.LeaseMS == 0 {
		c.LeaseMS = DefaultLeaseMS
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if !c.SNResolution.Valid() {
		c.SNResolution = protocol.Res28
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// Handler receives decoded payloads and lifecycle events. Callbacks
// run on the read task's goroutine; the session serializes dispatch
// behind its own mutex.
type Handler interface {
	// HandleZenohMessage delivers one zenoh message from peer.
	HandleZenohMessage(peer *Peer, msg protocol.ZenohMessage)

	// HandlePeerJoined reports a new multicast peer entry.
	HandlePeerJoined(peer *Peer)

	// HandlePeerLeft reports a multicast peer eviction.
	HandlePeerLeft(peer *Peer, reason error)

	// HandleClosed reports transport teardown not initiated by Close.
	HandleClosed(err error)
}

// Transport is one established session transport over one link.
type Transport struct {
	lnk     link.Link
	cfg     Config
	log     *slog.Logger
	metrics MetricsReporter
	handler Handler

	multicast bool

	// Agreed parameters (fixed after establishment).
	resolution protocol.Resolution
	batchSize  uint16
	leaseMS    uint64
	patchLevel uint8

	// txMu serializes all outbound frames; batch accumulates encoded
	// session messages until flush.
	txMu       sync.Mutex
	batch      *iobuf.WBuf
	batchCount int

	snTx snCounter

	// sentThisTick tells the lease task whether a keepalive is needed.
	sentThisTick atomic.Bool

	// rxMu serializes defragmentation and peer-table mutation.
	rxMu    sync.Mutex
	peer    *Peer             // unicast
	peers   map[string]*Peer  // multicast, keyed by ZID bytes
	byAddr  map[string]*Peer  // multicast, keyed by datagram source
	localSN NextSNPair        // announced in Join

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	tasks     *errgroup.Group
}

// batchLimit is the largest batch the link and negotiation allow.
func (t *Transport) batchLimit() int {
	return min(int(t.batchSize), int(t.lnk.MTU()))
}

// IsOpen reports whether the transport is still running.
func (t *Transport) IsOpen() bool { return !t.closed.Load() }

// Resolution returns the agreed SN resolution.
func (t *Transport) Resolution() protocol.Resolution { return t.resolution }

// LeaseMS returns the agreed lease.
func (t *Transport) LeaseMS() uint64 { return t.leaseMS }

// UnicastPeer returns the single peer of a unicast transport.
func (t *Transport) UnicastPeer() *Peer {
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	return t.peer
}

// Peers snapshots the multicast peer list (or the single unicast peer).
func (t *Transport) Peers() []*Peer {
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	if !t.multicast {
		if t.peer == nil {
			return nil
		}
		return []*Peer{t.peer}
	}
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// startTasks launches the read and lease tasks.
func (t *Transport) startTasks() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	t.tasks = g
	g.Go(func() error { return t.readTask(ctx) })
	g.Go(func() error { return t.leaseTask(ctx) })
}

// Close drives the teardown: at most one close handshake, then both
// tasks stop. linkOnly requests the peer keep the session for another
// link; a single-link client still tears everything down locally.
func (t *Transport) Close(reason byte, linkOnly bool) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		// Best effort: the peer may already be gone.
		msg := &protocol.MsgClose{ZID: t.cfg.ZID, Reason: reason, LinkOnly: linkOnly}
		if sendErr := t.send(msg, true); sendErr != nil {
			t.log.Debug("close message not sent", slog.String("error", sendErr.Error()))
		}
		if t.cancel != nil {
			t.cancel()
		}
		err = t.lnk.Close()
		if t.tasks != nil {
			// Read task exits on link error after Close; lease task on
			// context cancellation. Both within one tick.
			if taskErr := t.tasks.Wait(); taskErr != nil &&
				!errors.Is(taskErr, context.Canceled) {
				t.log.Debug("task exit", slog.String("error", taskErr.Error()))
			}
		}
		t.log.Info("transport closed")
	})
	return err
}

// shutdown tears down after a fatal inbound condition (lease expiry,
// malformed peer, CLOSE received) and notifies the handler.
func (t *Transport) shutdown(cause error) {
	if t.closed.Swap(true) {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	_ = t.lnk.Close()
	t.handler.HandleClosed(cause)
}

// errClosed returns the uniform closed-transport error.
func errClosed() error {
	return zerr.Errorf(zerr.TransportNotAvailable, "transport closed")
}
