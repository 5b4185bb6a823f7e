package main

import (
	"log"

	"github.com/spf13/cobra"

	devicecli "github.com/embermesh/embermesh/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "embermeshd",
		Short:         "embermesh device daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Attach all device commands from pkg/cli for reuse in services
	devicecli.AddAll(root)
	return root
}
