package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Open a session and print its properties",
	RunE: func(cmd *cobra.Command, _ []string) error {
		setupLogger()
		ctx, stop := signalContext()
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		props := s.Info()
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %s\n", k, props[k])
		}
		return nil
	},
}
