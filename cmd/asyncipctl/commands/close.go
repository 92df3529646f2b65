package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func closeCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a connection by name",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			id, err := sess.resolve(name)
			if err != nil {
				return err
			}
			sess.eng.Close(id)
			sess.forget(name)
			fmt.Printf("closed %q\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "connection name from a prior open")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
