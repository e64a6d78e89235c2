package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	zenohpico "github.com/eclipse-zenoh/zenoh-pico-go"
)

var queryPredicate string

var queryCmd = &cobra.Command{
	Use:   "query <keyexpr>",
	Short: "Query and print the collected replies",
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

		replies, err := s.QueryCollect(args[0], queryPredicate,
			zenohpico.QueryOptions{Consolidation: zenohpico.ConsolidationMonotonic})
		if err != nil {
			return err
		}
		for _, r := range replies {
			fmt.Printf(">> %s = %q\n", r.Sample.Key, r.Sample.Value)
		}
		fmt.Printf("%d replies\n", len(replies))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVarP(&queryPredicate, "predicate", "p", "",
		"value selector forwarded with the query")
}
