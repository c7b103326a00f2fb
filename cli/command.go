package cli

import (
	"github.com/spf13/cobra"

	"github.com/andydunstall/crds/cli/node"
	"github.com/andydunstall/crds/cli/simulate"
	"github.com/andydunstall/crds/cli/status"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "crds [command] (flags)",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `CRDS is a gossip protocol that replicates a store of signed records
across a peer-to-peer cluster.

Each node signs its own records, such as its contact info, and gossips them to
the rest of the cluster. New records are pushed to a stake weighted set of
peers, and nodes periodically pull any records they are missing from a random
peer, using bloom filters to describe the records they already have.

Start a node with:

  $ crds node

Bootstrap a node from existing nodes in the cluster with:

  $ crds node --node.entrypoints 10.26.104.14:8000

You can also inspect the status of a node using:

  $ crds status

To measure how quickly records propagate across different network
topologies, run an in-process simulation with:

  $ crds simulate --topology ring --nodes 200
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(simulate.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
