package status

import (
	"fmt"
	"net/url"
	"os"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/andydunstall/crds/status/client"
	"github.com/andydunstall/crds/status/config"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each node exposes a status API to inspect the state of the node, this
can be used to answer questions such as:
* What nodes does this node know about?
* What records does this node have for a given node?
* Which nodes are in the push active set?

See 'status --help' for the available commands.

Examples:
  # Inspect the gossip summary of the node.
  crds status summary

  # Inspect the nodes known by the node.
  crds status nodes

  # Inspect the status of node 10.26.104.56:8001.
  crds status nodes --server.url http://10.26.104.56:8001
`,
	}

	cmd.AddCommand(newSummaryCommand())
	cmd.AddCommand(newNodesCommand())
	cmd.AddCommand(newRecordsCommand())
	cmd.AddCommand(newNodeRecordsCommand())
	cmd.AddCommand(newEntrypointsCommand())

	return cmd
}

// newClient returns a client for the configured node. The config must
// already be validated.
func newClient(conf *config.Config) *client.Client {
	url, _ := url.Parse(conf.Server.URL)
	return client.NewClient(url, conf.Server.Timeout)
}

func printYAML(v interface{}) {
	b, err := yaml.Marshal(v)
	if err != nil {
		fmt.Printf("failed to encode output: %s\n", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func validate(conf *config.Config) {
	if err := conf.Validate(); err != nil {
		fmt.Printf("invalid config: %s\n", err.Error())
		os.Exit(1)
	}
}
