package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asyncip/engine/internal/engine"
)

func readCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Dequeue one pending message (or accepted client) from a connection",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			id, err := sess.resolve(name)
			if err != nil {
				return err
			}

			if sess.eng.IsServer(id) {
				return readAcceptedClient(name, id)
			}

			payload := sess.eng.Read(id)
			if payload == nil {
				fmt.Printf("%q: no message pending\n", name)
				return nil
			}
			fmt.Printf("%q received: %q\n", name, string(payload))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "connection name from a prior open")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// readAcceptedClient dequeues one accepted-client notification from a
// server's inbound queue and registers it under "<name>-client-<id>" so a
// later read/write/close can address it by name.
func readAcceptedClient(name string, serverID int64) error {
	childID := sess.eng.GetClient(serverID)
	if childID == engine.InvalidID {
		fmt.Printf("%q: no new client pending\n", name)
		return nil
	}

	childName := fmt.Sprintf("%s-client-%d", name, childID)
	sess.register(childName, childID)
	fmt.Printf("%q accepted new client %q: id=%d addr=%s\n",
		name, childName, childID, sess.eng.GetAddress(childID))
	return nil
}
