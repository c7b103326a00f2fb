package status

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andydunstall/crds/node"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/status/client"
	"github.com/andydunstall/crds/status/config"
)

func newSummaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "inspect gossip summary",
		Long: `Inspect the gossip summary.

Queries the node for the size of its store, the number of known nodes and
its push active set.

Examples:
  crds status summary
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		validate(&conf)
		showSummary(&conf)
	}

	return cmd
}

type summaryOutput struct {
	Summary *gossip.Status `json:"summary"`
}

func showSummary(conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	summary, err := client.Summary()
	if err != nil {
		fmt.Printf("failed to get summary: %s\n", err.Error())
		os.Exit(1)
	}

	printYAML(summaryOutput{
		Summary: summary,
	})
}

func newNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "inspect known nodes",
		Long: `Inspect known nodes.

Queries the node for the contact info of each node in its store, including
the local node.

Examples:
  crds status nodes
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		validate(&conf)
		showNodes(&conf)
	}

	return cmd
}

type nodesOutput struct {
	Nodes []node.NodeInfo `json:"nodes"`
}

func showNodes(conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	nodes, err := client.Nodes()
	if err != nil {
		fmt.Printf("failed to get nodes: %s\n", err.Error())
		os.Exit(1)
	}

	printYAML(nodesOutput{
		Nodes: nodes,
	})
}

func newRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "inspect records",
		Long: `Inspect records.

Queries the node for the records in its store, optionally filtered by kind.

Examples:
  # Inspect all records.
  crds status records

  # Inspect the lowest slot records.
  crds status records --kind lowest_slot
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	var kind string
	cmd.Flags().StringVar(
		&kind,
		"kind",
		"",
		`
Only include records of the given kind, such as 'contact_info', 'vote' or
'lowest_slot'.`,
	)

	cmd.Run = func(cmd *cobra.Command, args []string) {
		validate(&conf)
		showRecords(kind, &conf)
	}

	return cmd
}

type recordsOutput struct {
	Records []client.Record `json:"records"`
}

func showRecords(kind string, conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	records, err := client.Records(kind)
	if err != nil {
		fmt.Printf("failed to get records: %s\n", err.Error())
		os.Exit(1)
	}

	printYAML(recordsOutput{
		Records: records,
	})
}

func newNodeRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node-records",
		Args:  cobra.ExactArgs(1),
		Short: "inspect the records of a node",
		Long: `Inspect the records of a node.

Queries the node for the records in its store originating from the node with
the given base58 encoded public key.

Examples:
  crds status node-records 5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		validate(&conf)

		pubkey, err := identity.ParsePubkey(args[0])
		if err != nil {
			fmt.Printf("invalid pubkey: %s\n", err.Error())
			os.Exit(1)
		}
		showNodeRecords(pubkey, &conf)
	}

	return cmd
}

func showNodeRecords(pubkey identity.Pubkey, conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	records, err := client.NodeRecords(pubkey)
	if err != nil {
		fmt.Printf("failed to get node records: %s: %s\n", pubkey, err.Error())
		os.Exit(1)
	}

	printYAML(recordsOutput{
		Records: records,
	})
}

func newEntrypointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entrypoints",
		Short: "inspect entrypoints",
		Long: `Inspect entrypoints.

Queries the node for the addresses it bootstraps from, including any
discovered using mDNS.

Examples:
  crds status entrypoints
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		validate(&conf)
		showEntrypoints(&conf)
	}

	return cmd
}

type entrypointsOutput struct {
	Entrypoints []string `json:"entrypoints"`
}

func showEntrypoints(conf *config.Config) {
	client := newClient(conf)
	defer client.Close()

	entrypoints, err := client.Entrypoints()
	if err != nil {
		fmt.Printf("failed to get entrypoints: %s\n", err.Error())
		os.Exit(1)
	}

	printYAML(entrypointsOutput{
		Entrypoints: entrypoints,
	})
}
