package watch

import (
	"fmt"

	"cellwatch/internal/sharedb"
)

// Collections used by the sync endpoint.
const (
	CollectionCell  = "ot_cell"
	CollectionBrain = "ot_brain"
	CollectionTeam  = "ot_team"
)

// Kind is a node's structural role.
type Kind int

const (
	KindUnknown Kind = iota
	KindCluster
	KindItem
)

func parseKind(raw string) Kind {
	switch raw {
	case "PARENT":
		return KindCluster
	case "LEAF":
		return KindItem
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindCluster:
		return "Cluster"
	case KindItem:
		return "Item"
	}
	return "Node"
}

// Node is the cached view of one cell.
type Node struct {
	ID        string
	Title     string
	Kind      Kind
	ChildIDs  []string
	MemberIDs []string
	UpdatedAt string
}

// DisplayTitle returns the title, or "Untitled" when it is empty.
func (n *Node) DisplayTitle() string {
	if n == nil || n.Title == "" {
		return "Untitled"
	}
	return n.Title
}

func nodeFromData(id string, data any) Node {
	n := Node{ID: id}
	m, _ := data.(map[string]any)
	if m == nil {
		return n
	}
	n.Title, _ = m["title"].(string)
	kind, _ := m["kind"].(string)
	n.Kind = parseKind(kind)
	n.ChildIDs = stringList(m["childIds"])
	n.MemberIDs = stringList(m["memberIds"])
	if v, ok := m["updatedAt"]; ok && v != nil {
		n.UpdatedAt = fmt.Sprint(v)
	}
	return n
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type cachedNode struct {
	doc  any
	node Node
}

// NodeCache holds the latest document and derived Node for every loaded cell.
// It is owned by one Session goroutine.
type NodeCache struct {
	nodes map[string]*cachedNode
}

func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: map[string]*cachedNode{}}
}

// Put stores a freshly loaded snapshot.
func (c *NodeCache) Put(id string, doc any) *Node {
	cn := &cachedNode{doc: doc, node: nodeFromData(id, doc)}
	c.nodes[id] = cn
	return &cn.node
}

// Get returns the cached node, or nil.
func (c *NodeCache) Get(id string) *Node {
	if cn := c.nodes[id]; cn != nil {
		return &cn.node
	}
	return nil
}

func (c *NodeCache) Has(id string) bool { return c.nodes[id] != nil }

func (c *NodeCache) Len() int { return len(c.nodes) }

// Apply applies one op component to a cached node and re-derives its fields.
// On error the node keeps whatever part of the op applied.
func (c *NodeCache) Apply(id string, comp sharedb.Component) (*Node, error) {
	cn := c.nodes[id]
	if cn == nil {
		return nil, fmt.Errorf("node %s not loaded", id)
	}
	doc, err := sharedb.Apply(cn.doc, []sharedb.Component{comp})
	cn.doc = doc
	cn.node = nodeFromData(id, doc)
	return &cn.node, err
}
