package commands

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	zenohpico "github.com/eclipse-zenoh/zenoh-pico-go"
)

var (
	scoutWhat    string
	scoutTimeout time.Duration
	scoutAddress string
)

var scoutCmd = &cobra.Command{
	Use:   "scout",
	Short: "Discover reachable Zenoh processes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		setupLogger()
		ctx, stop := signalContext()
		defer stop()

		props := zenohpico.Properties{}
		if scoutAddress != "" {
			props[zenohpico.ConfigMulticastAddressKey] = scoutAddress
		}
		hellos, err := zenohpico.Scout(ctx, scoutWhat, props, scoutTimeout)
		if err != nil {
			return err
		}
		if len(hellos) == 0 {
			fmt.Println("no hello received")
			return nil
		}
		for _, h := range hellos {
			fmt.Printf("hello zid=%s whatami=%s locators=[%s]\n",
				hex.EncodeToString(h.ZID), h.Whatami,
				strings.Join(h.Locators, ", "))
		}
		return nil
	},
}

func init() {
	scoutCmd.Flags().StringVarP(&scoutWhat, "what", "w", "",
		"role to scout for (router|peer|client, empty for any)")
	scoutCmd.Flags().DurationVarP(&scoutTimeout, "timeout", "t",
		time.Second, "how long to collect hellos")
	scoutCmd.Flags().StringVar(&scoutAddress, "address", "",
		"scouting multicast locator (default udp/224.0.0.224:7446)")
}
