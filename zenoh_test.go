package zenohpico_test

import (
	"context"
	"testing"
	"time"

	zenohpico "github.com/eclipse-zenoh/zenoh-pico-go"
)

func TestOpenRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	_, err := zenohpico.Open(context.Background(), zenohpico.Properties{
		zenohpico.ConfigModeKey:    "gateway",
		zenohpico.ConfigConnectKey: "tcp/127.0.0.1:7447",
	})
	if err == nil {
		t.Fatal("invalid mode accepted")
	}
}

func TestOpenRequiresLocator(t *testing.T) {
	t.Parallel()

	_, err := zenohpico.Open(context.Background(), zenohpico.Properties{})
	if err == nil {
		t.Fatal("missing locator accepted")
	}
}

func TestOpenRejectsClientMulticast(t *testing.T) {
	t.Parallel()

	_, err := zenohpico.Open(context.Background(), zenohpico.Properties{
		zenohpico.ConfigMulticastAddressKey: "udp/224.0.0.224:7446",
	})
	if err == nil {
		t.Fatal("client-mode multicast accepted")
	}
}

func TestScoutRejectsUnknownRole(t *testing.T) {
	t.Parallel()

	_, err := zenohpico.Scout(context.Background(), "gateway", nil, 10*time.Millisecond)
	if err == nil {
		t.Fatal("unknown scouting role accepted")
	}
}
