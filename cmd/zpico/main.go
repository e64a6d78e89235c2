// Command zpico is a small command-line front end to the client:
// scouting, subscribing, publishing, and querying against a Zenoh
// router or peer.
package main

import (
	"os"

	"github.com/eclipse-zenoh/zenoh-pico-go/cmd/zpico/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
