package node

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/andydunstall/crds/node/admin"
	"github.com/andydunstall/crds/pkg/crds"
	"github.com/andydunstall/crds/pkg/identity"
	"github.com/andydunstall/crds/pkg/status"
)

// NodeInfo is a node known by the local node.
type NodeInfo struct {
	Pubkey         identity.Pubkey `json:"pubkey"`
	Gossip         string          `json:"gossip"`
	ShredVersion   uint16          `json:"shred_version"`
	Version        string          `json:"version"`
	Wallclock      uint64          `json:"wallclock"`
	LocalTimestamp uint64          `json:"local_timestamp"`
	Stake          uint64          `json:"stake"`
}

// Record is a record in the local store.
type Record struct {
	Label          crds.Label `json:"label"`
	Hash           crds.Hash  `json:"hash"`
	Wallclock      uint64     `json:"wallclock"`
	LocalTimestamp uint64     `json:"local_timestamp"`
	NumPushDups    uint8      `json:"num_push_dups"`
	Data           crds.Data  `json:"data"`
}

// Status exposes the node state in the admin status API.
type Status struct {
	node *Node
}

func NewStatus(node *Node) *Status {
	return &Status{
		node: node,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/summary", s.summaryRoute)
	group.GET("/nodes", s.listNodesRoute)
	group.GET("/records", s.listRecordsRoute)
	group.GET("/records/:pubkey", s.listNodeRecordsRoute)
	group.GET("/entrypoints", s.listEntrypointsRoute)
}

func (s *Status) summaryRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Gossip().Status(s.node.Stakes()))
}

func (s *Status) listNodesRoute(c *gin.Context) {
	stakes := s.node.Stakes()

	var nodes []NodeInfo
	for _, entry := range s.node.Gossip().Store().ContactInfos() {
		contactInfo, _ := entry.Value.ContactInfo()
		nodes = append(nodes, NodeInfo{
			Pubkey:         contactInfo.From,
			Gossip:         contactInfo.Gossip,
			ShredVersion:   contactInfo.ShredVersion,
			Version:        contactInfo.Version,
			Wallclock:      contactInfo.WallclockMs,
			LocalTimestamp: entry.LocalTimestamp,
			Stake:          stakes[contactInfo.From],
		})
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Pubkey.Compare(nodes[j].Pubkey) < 0
	})
	c.JSON(http.StatusOK, nodes)
}

// listRecordsRoute lists the records in the store, optionally filtered by
// the 'kind' query.
func (s *Status) listRecordsRoute(c *gin.Context) {
	var kind *crds.Kind
	if k, ok := c.GetQuery("kind"); ok {
		parsed, err := crds.ParseKind(k)
		if err != nil {
			status.NewErrorInfo(http.StatusBadRequest, "invalid kind: %s", k).Abort(c)
			return
		}
		kind = &parsed
	}

	records := []Record{}
	for _, entry := range s.node.Gossip().Store().Entries() {
		if kind != nil && entry.Value.Kind() != *kind {
			continue
		}
		records = append(records, newRecord(entry))
	}
	sortRecords(records)
	c.JSON(http.StatusOK, records)
}

func (s *Status) listNodeRecordsRoute(c *gin.Context) {
	pubkey, err := identity.ParsePubkey(c.Param("pubkey"))
	if err != nil {
		status.NewErrorInfo(http.StatusBadRequest, "invalid pubkey").Abort(c)
		return
	}

	records := []Record{}
	for _, entry := range s.node.Gossip().Store().Entries() {
		if entry.Value.Pubkey() == pubkey {
			records = append(records, newRecord(entry))
		}
	}
	if len(records) == 0 {
		status.NewErrorInfo(http.StatusNotFound, "node not found: %s", pubkey).Abort(c)
		return
	}
	sortRecords(records)
	c.JSON(http.StatusOK, records)
}

func (s *Status) listEntrypointsRoute(c *gin.Context) {
	entrypoints := s.node.Entrypoints()
	sort.Strings(entrypoints)
	c.JSON(http.StatusOK, entrypoints)
}

func newRecord(entry crds.Entry) Record {
	return Record{
		Label:          entry.Value.Label(),
		Hash:           entry.Value.Hash(),
		Wallclock:      entry.Value.Wallclock(),
		LocalTimestamp: entry.LocalTimestamp,
		NumPushDups:    entry.NumPushDups,
		Data:           entry.Value.Data(),
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Label.String() < records[j].Label.String()
	})
}

var _ admin.StatusHandler = &Status{}
