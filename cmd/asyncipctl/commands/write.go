package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func writeCmd() *cobra.Command {
	var (
		name    string
		message string
	)

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Enqueue a message on a connection's outbound queue",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			id, err := sess.resolve(name)
			if err != nil {
				return err
			}

			payload := []byte(message)
			if !sess.eng.Write(id, payload) {
				return fmt.Errorf("write to %q failed: unknown connection", name)
			}

			fmt.Printf("queued %d bytes on %q\n", len(payload), name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "connection name from a prior open")
	cmd.Flags().StringVar(&message, "message", "", "payload to enqueue")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}
