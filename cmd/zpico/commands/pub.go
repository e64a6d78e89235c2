package commands

import (
	"github.com/spf13/cobra"
)

var pubDeclare bool

var pubCmd = &cobra.Command{
	Use:   "pub <keyexpr> <value>",
	Short: "Publish one value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		ctx, stop := signalContext()
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if pubDeclare {
			// Declaring a resource + publisher lets the write ride a
			// numeric wire key.
			if _, err := s.DeclareResource(args[0]); err != nil {
				return err
			}
			pub, err := s.DeclarePublisher(args[0])
			if err != nil {
				return err
			}
			defer pub.Undeclare()
		}
		return s.Write(args[0], []byte(args[1]))
	},
}

func init() {
	pubCmd.Flags().BoolVar(&pubDeclare, "declare", false,
		"declare the resource and publisher before writing")
}
