package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	zenohpico "github.com/eclipse-zenoh/zenoh-pico-go"
)

var subBestEffort bool

var subCmd = &cobra.Command{
	Use:   "sub <keyexpr>",
	Short: "Subscribe and print matching samples until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		ctx, stop := signalContext()
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		sub, err := s.DeclareSubscriber(args[0],
			zenohpico.SubscriberOptions{BestEffort: subBestEffort},
			func(sample zenohpico.Sample) {
				fmt.Printf(">> %s = %q\n", sample.Key, sample.Value)
			})
		if err != nil {
			return err
		}
		defer sub.Undeclare()

		<-ctx.Done()
		return nil
	},
}

func init() {
	subCmd.Flags().BoolVar(&subBestEffort, "best-effort", false,
		"declare the subscription on the best-effort channel")
}
