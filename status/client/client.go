package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/andydunstall/crds/node"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/gossip"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/status"
)

// Record is a record in the nodes store.
type Record struct {
	Label          crds.Label             `json:"label"`
	Hash           string                 `json:"hash"`
	Wallclock      uint64                 `json:"wallclock"`
	LocalTimestamp uint64                 `json:"local_timestamp"`
	NumPushDups    uint8                  `json:"num_push_dups"`
	Data           map[string]interface{} `json:"data"`
}

// Client queries the node admin status API.
type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		url: url,
	}
}

func (c *Client) Summary() (*gossip.Status, error) {
	var summary gossip.Status
	if err := c.get("/status/gossip/summary", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) Nodes() ([]node.NodeInfo, error) {
	var nodes []node.NodeInfo
	if err := c.get("/status/gossip/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Records returns the records in the nodes store. If kind is empty all
// records are returned.
func (c *Client) Records(kind string) ([]Record, error) {
	query := url.Values{}
	if kind != "" {
		query.Set("kind", kind)
	}

	var records []Record
	if err := c.get("/status/gossip/records", query, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) NodeRecords(pubkey identity.Pubkey) ([]Record, error) {
	var records []Record
	if err := c.get("/status/gossip/records/"+pubkey.String(), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) Entrypoints() ([]string, error) {
	var entrypoints []string
	if err := c.get("/status/gossip/entrypoints", nil, &entrypoints); err != nil {
		return nil, err
	}
	return entrypoints, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) get(path string, query url.Values, v interface{}) error {
	r, err := c.request(path, query)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) request(path string, query url.Values) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url

	url.Path = fspath.Join(url.Path, path)
	url.RawQuery = query.Encode()

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		errorInfo := &status.ErrorInfo{
			StatusCode: resp.StatusCode,
		}
		// The body may not contain error info, such as if the route is
		// not found.
		_ = json.NewDecoder(resp.Body).Decode(errorInfo)
		return nil, fmt.Errorf("request: %w", errorInfo)
	}

	return resp.Body, nil
}
