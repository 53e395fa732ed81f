package canvas

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/stackmotive/overlay/block"
)

// Config holds the resource constraints of a canvas. A zero limit means
// unlimited.
type Config struct {
	MaxBlocks      int  `json:"max_blocks" yaml:"max_blocks"`
	MaxConnections int  `json:"max_connections" yaml:"max_connections"`
	MaxNesting     int  `json:"max_nesting" yaml:"max_nesting"`
	AllowCircular  bool `json:"allow_circular" yaml:"allow_circular"`
	AllowSelfLoops bool `json:"allow_self_loops" yaml:"allow_self_loops"`
}

// DefaultConfig returns the default resource constraints
func DefaultConfig() Config {
	return Config{
		MaxBlocks:      100,
		MaxConnections: 500,
		MaxNesting:     20,
	}
}

// Position is the editor location of a block. It has no effect on
// validation or execution.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Block is a block instance on a canvas
type Block struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Name       string           `json:"name,omitempty"`
	Position   Position         `json:"position"`
	Parameters block.Parameters `json:"parameters,omitempty"`
}

func (b *Block) clone() *Block {
	c := *b
	c.Parameters = b.Parameters.Clone()
	return &c
}

// Connection is a directed edge from an output port to an input port. It
// references blocks by id only.
type Connection struct {
	ID            string  `json:"id"`
	SourceBlockID string  `json:"source_block_id"`
	SourcePort    string  `json:"source_port"`
	TargetBlockID string  `json:"target_block_id"`
	TargetPort    string  `json:"target_port"`
	Type          string  `json:"type"`
	Weight        float64 `json:"weight"`
	Active        bool    `json:"active"`
}

// Canvas is a graph of blocks and connections. It is a plain serializable
// value; iteration order is insertion order via BlockOrder and
// ConnectionOrder.
type Canvas struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Version         int64                  `json:"version"`
	Config          Config                 `json:"config"`
	Blocks          map[string]*Block      `json:"blocks"`
	Connections     map[string]*Connection `json:"connections"`
	BlockOrder      []string               `json:"block_order"`
	ConnectionOrder []string               `json:"connection_order"`
	Status          Report                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`

	// inbound maps a target input port to its active connection ids.
	inbound map[portKey][]string
}

type portKey struct {
	block string
	port  string
}

// New creates an empty canvas
func New(id, name string, cfg Config) *Canvas {
	now := time.Now().UTC()
	c := &Canvas{
		ID:          id,
		Name:        name,
		Config:      cfg,
		Blocks:      make(map[string]*Block),
		Connections: make(map[string]*Connection),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.Reindex()
	return c
}

// Clone returns a deep copy
func (c *Canvas) Clone() *Canvas {
	out := *c
	out.Blocks = make(map[string]*Block, len(c.Blocks))
	for id, b := range c.Blocks {
		out.Blocks[id] = b.clone()
	}
	out.Connections = make(map[string]*Connection, len(c.Connections))
	for id, conn := range c.Connections {
		cp := *conn
		out.Connections[id] = &cp
	}
	out.BlockOrder = append([]string(nil), c.BlockOrder...)
	out.ConnectionOrder = append([]string(nil), c.ConnectionOrder...)
	out.Status = c.Status.Clone()
	out.inbound = make(map[portKey][]string, len(c.inbound))
	for k, ids := range c.inbound {
		out.inbound[k] = append([]string(nil), ids...)
	}
	return &out
}

// Reindex rebuilds derived state after the canvas was decoded or edited
// directly. Order slices are repaired to match the maps.
func (c *Canvas) Reindex() {
	if c.Blocks == nil {
		c.Blocks = make(map[string]*Block)
	}
	if c.Connections == nil {
		c.Connections = make(map[string]*Connection)
	}
	c.BlockOrder = repairOrder(c.BlockOrder, len(c.Blocks), func(id string) bool { _, ok := c.Blocks[id]; return ok }, keys(c.Blocks))
	c.ConnectionOrder = repairOrder(c.ConnectionOrder, len(c.Connections), func(id string) bool { _, ok := c.Connections[id]; return ok }, keys(c.Connections))

	c.inbound = make(map[portKey][]string)
	for _, id := range c.ConnectionOrder {
		conn := c.Connections[id]
		if conn.Active {
			k := portKey{conn.TargetBlockID, conn.TargetPort}
			c.inbound[k] = append(c.inbound[k], id)
		}
	}
}

// UnmarshalJSON decodes a canvas and rebuilds its indexes
func (c *Canvas) UnmarshalJSON(data []byte) error {
	type plain Canvas
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Canvas(p)
	c.Reindex()
	return nil
}

// Block returns a block by id
func (c *Canvas) Block(id string) (*Block, bool) {
	b, ok := c.Blocks[id]
	return b, ok
}

// Connection returns a connection by id
func (c *Canvas) Connection(id string) (*Connection, bool) {
	conn, ok := c.Connections[id]
	return conn, ok
}

// OrderedBlocks returns blocks in insertion order
func (c *Canvas) OrderedBlocks() []*Block {
	out := make([]*Block, 0, len(c.BlockOrder))
	for _, id := range c.BlockOrder {
		out = append(out, c.Blocks[id])
	}
	return out
}

// OrderedConnections returns connections in insertion order
func (c *Canvas) OrderedConnections() []*Connection {
	out := make([]*Connection, 0, len(c.ConnectionOrder))
	for _, id := range c.ConnectionOrder {
		out = append(out, c.Connections[id])
	}
	return out
}

// ActiveInbound returns the ids of active connections into an input port
func (c *Canvas) ActiveInbound(blockID, port string) []string {
	return c.inbound[portKey{blockID, port}]
}

// Touching returns the ids of connections that reference a block, in
// insertion order.
func (c *Canvas) Touching(blockID string) []string {
	var ids []string
	for _, id := range c.ConnectionOrder {
		conn := c.Connections[id]
		if conn.SourceBlockID == blockID || conn.TargetBlockID == blockID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Canvas) insertBlock(b *Block) {
	c.Blocks[b.ID] = b
	c.BlockOrder = append(c.BlockOrder, b.ID)
}

func (c *Canvas) deleteBlock(id string) {
	delete(c.Blocks, id)
	c.BlockOrder = without(c.BlockOrder, id)
}

func (c *Canvas) insertConnection(conn *Connection) {
	c.Connections[conn.ID] = conn
	c.ConnectionOrder = append(c.ConnectionOrder, conn.ID)
	if conn.Active {
		k := portKey{conn.TargetBlockID, conn.TargetPort}
		c.inbound[k] = append(c.inbound[k], conn.ID)
	}
}

func (c *Canvas) deleteConnection(id string) {
	conn, ok := c.Connections[id]
	if !ok {
		return
	}
	delete(c.Connections, id)
	c.ConnectionOrder = without(c.ConnectionOrder, id)
	k := portKey{conn.TargetBlockID, conn.TargetPort}
	if ids := without(c.inbound[k], id); len(ids) > 0 {
		c.inbound[k] = ids
	} else {
		delete(c.inbound, k)
	}
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// repairOrder drops unknown or duplicate ids and appends missing ones in
// sorted order so decoded canvases stay deterministic.
func repairOrder(order []string, size int, exists func(string) bool, all []string) []string {
	seen := make(map[string]bool, size)
	out := make([]string, 0, size)
	for _, id := range order {
		if exists(id) && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) == size {
		return out
	}
	missing := make([]string, 0, size-len(out))
	for _, id := range all {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return append(out, missing...)
}
