package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asyncip/engine/internal/engine"
)

func openCmd() *cobra.Command {
	var (
		transport     string
		role          string
		host          string
		port          uint16
		name          string
		messageLength int
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a connection and bind it to a friendly name",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			typ, err := openType(transport, role)
			if err != nil {
				return err
			}

			id, err := sess.eng.Open(typ, host, port)
			if err != nil {
				return fmt.Errorf("open %s/%s: %w", transport, role, err)
			}
			if messageLength > 0 {
				sess.eng.SetMessageLength(id, messageLength)
			}

			if name == "" {
				name = fmt.Sprintf("%s-%s-%d", transport, role, port)
			}
			sess.register(name, id)

			fmt.Printf("opened %q: id=%d addr=%s\n", name, id, sess.eng.GetAddress(id))
			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "tcp", "transport: tcp or udp")
	cmd.Flags().StringVar(&role, "role", "server", "role: server or client")
	cmd.Flags().StringVar(&host, "host", "", "bind address (server) or remote address (client)")
	cmd.Flags().Uint16Var(&port, "port", 50000, "port, must be >= 49152")
	cmd.Flags().StringVar(&name, "name", "", "friendly name for this connection (default derived from transport/role/port)")
	cmd.Flags().IntVar(&messageLength, "message-length", 0, "fixed message length, clamped to [1, 512] (0 keeps the default)")

	return cmd
}

func openType(transport, role string) (engine.OpenType, error) {
	switch {
	case transport == "tcp" && role == "server":
		return engine.TCPServer, nil
	case transport == "tcp" && role == "client":
		return engine.TCPClient, nil
	case transport == "udp" && role == "server":
		return engine.UDPServer, nil
	case transport == "udp" && role == "client":
		return engine.UDPClient, nil
	default:
		return 0, fmt.Errorf("unsupported transport/role combination %s/%s", transport, role)
	}
}
