package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/iobuf"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/link"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/protocol"
	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// DefaultScoutTimeout is how long Scout collects HELLOs.
const DefaultScoutTimeout = 1000 * time.Millisecond

// Hello is one scouting response.
type Hello struct {
	ZID      []byte
	Whatami  protocol.Whatami
	Locators []string
}

// Scout solicits HELLOs on the scouting group and collects responses
// until the timeout elapses. An empty locator uses the default
// udp/224.0.0.224:7446.
func Scout(ctx context.Context, what protocol.Whatami, locator string, timeout time.Duration, logger *slog.Logger) ([]Hello, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if locator == "" {
		locator = link.DefaultScoutLocator
	}
	if timeout <= 0 {
		timeout = DefaultScoutTimeout
	}

	ep, err := link.ParseEndpoint(locator)
	if err != nil {
		return nil, err
	}
	lnk, err := link.New(ep)
	if err != nil {
		return nil, err
	}
	if err := lnk.Open(ctx); err != nil {
		return nil, zerr.Wrap(zerr.TransportOpenFailed, err)
	}
	defer lnk.Close()

	wbuf := iobuf.NewWBuf(64, false)
	scout := &protocol.MsgScout{What: what, RequestZID: true}
	if err := protocol.WriteTransportMessage(wbuf, scout); err != nil {
		return nil, err
	}
	zb := wbuf.ToZBuf()
	out, err := zb.Read(zb.Readable())
	if err != nil {
		return nil, err
	}
	if err := lnk.SendAll(out); err != nil {
		return nil, zerr.Wrap(zerr.TransportOpenFailed, err)
	}

	// The timer closes the link to unblock the collector; the link
	// error ends the loop.
	var hellos []Hello
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { _ = lnk.Close() })
	defer timer.Stop()

	go func() {
		defer close(done)
		buf := make([]byte, lnk.MTU())
		for {
			n, err := lnk.Recv(buf)
			if err != nil {
				return
			}
			batch := iobuf.NewZBufWrap(buf[:n])
			for batch.Readable() > 0 {
				msg, err := protocol.ReadTransportMessage(batch)
				if err != nil {
					logger.Debug("scout: malformed response",
						slog.String("error", err.Error()))
					break
				}
				h, ok := msg.(*protocol.MsgHello)
				if !ok {
					continue
				}
				if what != 0 && h.Whatami != 0 && what&h.Whatami == 0 {
					continue
				}
				hellos = append(hellos, Hello{
					ZID:      h.ZID,
					Whatami:  h.Whatami,
					Locators: h.Locators,
				})
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = lnk.Close()
		<-done
	}
	return hellos, nil
}
