package link

import (
	"fmt"
	"strings"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/zerr"
)

// Locator protocols recognized by New.
const (
	ProtoTCP    = "tcp"
	ProtoUDP    = "udp"
	ProtoWS     = "ws"
	ProtoSerial = "serial"
	ProtoRawEth = "raweth"
	ProtoTLS    = "tls"
	ProtoBT     = "bt"
)

// DefaultScoutLocator is the default scouting address.
const DefaultScoutLocator = "udp/224.0.0.224:7446"

// Endpoint is a parsed locator: protocol/host:port[?param=value[;...]].
type Endpoint struct {
	Protocol string
	Address  string
	Params   map[string]string
}

// ParseEndpoint parses a locator string.
func ParseEndpoint(locator string) (Endpoint, error) {
	proto, rest, ok := strings.Cut(locator, "/")
	if !ok || proto == "" || rest == "" {
		return Endpoint{}, zerr.Errorf(zerr.Invalid,
			"locator %q: want protocol/host:port", locator)
	}
	ep := Endpoint{Protocol: proto}
	addr, query, hasQuery := strings.Cut(rest, "?")
	if addr == "" {
		return Endpoint{}, zerr.Errorf(zerr.Invalid,
			"locator %q: empty address", locator)
	}
	ep.Address = addr
	if hasQuery {
		ep.Params = make(map[string]string)
		for _, kv := range strings.Split(query, ";") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return Endpoint{}, zerr.Errorf(zerr.Invalid,
					"locator %q: malformed parameter %q", locator, kv)
			}
			ep.Params[k] = v
		}
	}
	return ep, nil
}

// String renders the endpoint back to locator syntax.
func (e Endpoint) String() string {
	if len(e.Params) == 0 {
		return e.Protocol + "/" + e.Address
	}
	parts := make([]string, 0, len(e.Params))
	for k, v := range e.Params {
		parts = append(parts, k+"="+v)
	}
	return fmt.Sprintf("%s/%s?%s", e.Protocol, e.Address,
		strings.Join(parts, ";"))
}

// IsMulticast reports whether the endpoint addresses a multicast group.
// Follows the concrete link's convention: an IPv4 address in
// 224.0.0.0/4 or an explicitly bracketed IPv6 ff00::/8 address.
func (e Endpoint) IsMulticast() bool {
	host := e.Address
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	if strings.HasPrefix(strings.ToLower(host), "ff") && strings.Contains(host, ":") {
		return true
	}
	first, _, ok := strings.Cut(host, ".")
	if !ok {
		return false
	}
	switch first {
	case "224", "225", "226", "227", "228", "229",
		"230", "231", "232", "233", "234", "235",
		"236", "237", "238", "239":
		return true
	}
	return false
}

// New constructs the adapter for the endpoint's protocol.
func New(ep Endpoint) (Link, error) {
	switch ep.Protocol {
	case ProtoTCP:
		return newTCPLink(ep), nil
	case ProtoUDP:
		if ep.IsMulticast() {
			return newUDPMulticastLink(ep), nil
		}
		return newUDPLink(ep), nil
	case ProtoWS:
		return newWSLink(ep), nil
	case ProtoSerial, ProtoRawEth, ProtoTLS, ProtoBT:
		return nil, zerr.Errorf(zerr.TransportNotAvailable,
			"%w: %s", ErrUnsupportedProtocol, ep.Protocol)
	default:
		return nil, zerr.Errorf(zerr.TransportNotAvailable,
			"%w: %s", ErrUnsupportedProtocol, ep.Protocol)
	}
}
