package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report connection counts, or one connection's detail by --name",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if name != "" {
				return statOne(name)
			}
			return statAll()
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "limit output to one connection")

	return cmd
}

func statOne(name string) error {
	id, err := sess.resolve(name)
	if err != nil {
		return err
	}

	fmt.Printf("%-20s id=%-6d addr=%-30s server=%-5t clients=%d\n",
		name, id, sess.eng.GetAddress(id), sess.eng.IsServer(id), sess.eng.GetClientsNumber(id))
	return nil
}

func statAll() error {
	fmt.Printf("active connections (engine-wide): %d\n\n", sess.eng.GetActivesNumber())

	names := sess.all()
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		if err := statOne(n); err != nil {
			return err
		}
	}
	return nil
}
