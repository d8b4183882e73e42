package memory

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/SiloDB/src/pkg/assert"
	"github.com/Blackdeer1524/SiloDB/src/pkg/common"
	"github.com/Blackdeer1524/SiloDB/src/storage"
)

var ErrPoolExhausted = errors.New("memory: volatile page pool exhausted")

// Options are the memory-related engine options.
type Options struct {
	// UseNumaAlloc keeps one pool per NUMA node so a worker's pages stay
	// node-local. Off means a single shared pool.
	UseNumaAlloc bool
	// InterleaveNumaAlloc spreads allocations round-robin over the node
	// pools instead of honoring the requested node. Only meaningful when
	// UseNumaAlloc is on.
	InterleaveNumaAlloc bool
	// PagesPerNode caps each pool. 0 means unbounded.
	PagesPerNode uint64
}

type nodePool struct {
	node common.NodeID

	mu    sync.Mutex
	pages []*storage.Page // index+1 == pointer offset; offset 0 is null
	free  []uint64
}

func (p *nodePool) allocate(limit uint64) (common.VolatilePagePointer, *storage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		offset := p.free[n-1]
		p.free = p.free[:n-1]
		page := p.pages[offset-1]
		*page = storage.Page{}
		return common.ComposeVolatilePointer(p.node, offset), page, nil
	}
	if limit != 0 && uint64(len(p.pages)) >= limit {
		return 0, nil, ErrPoolExhausted
	}
	page := &storage.Page{}
	p.pages = append(p.pages, page)
	offset := uint64(len(p.pages))
	return common.ComposeVolatilePointer(p.node, offset), page, nil
}

// Pools is the NUMA-partitioned volatile page allocator and resolver.
type Pools struct {
	opts  Options
	log   common.Logger
	nodes []*nodePool

	interleaveNext atomic.Uint32
	initialized    atomic.Bool
}

func NewPools(nodes int, opts Options, logger common.Logger) *Pools {
	assert.Assert(nodes > 0, "need at least one node, got %d", nodes)
	if !opts.UseNumaAlloc {
		nodes = 1
	}
	p := &Pools{opts: opts, log: logger}
	for n := 0; n < nodes; n++ {
		p.nodes = append(p.nodes, &nodePool{node: common.NodeID(n)})
	}
	return p
}

func (p *Pools) Initialize() error {
	p.initialized.Store(true)
	p.log.Infof("volatile page pools initialized: %d pools, numa=%v interleave=%v",
		len(p.nodes), p.opts.UseNumaAlloc, p.opts.InterleaveNumaAlloc)
	return nil
}

func (p *Pools) IsInitialized() bool { return p.initialized.Load() }

func (p *Pools) Uninitialize() error {
	for _, pool := range p.nodes {
		pool.mu.Lock()
		pool.pages = nil
		pool.free = nil
		pool.mu.Unlock()
	}
	p.initialized.Store(false)
	return nil
}

// Allocate hands out a fresh frame, preferring the requested node.
func (p *Pools) Allocate(node common.NodeID) (common.VolatilePagePointer, *storage.Page, error) {
	var pool *nodePool
	switch {
	case !p.opts.UseNumaAlloc:
		pool = p.nodes[0]
	case p.opts.InterleaveNumaAlloc:
		pool = p.nodes[int(p.interleaveNext.Add(1))%len(p.nodes)]
	default:
		assert.Assert(int(node) < len(p.nodes), "node %d out of range", node)
		pool = p.nodes[node]
	}
	return pool.allocate(p.opts.PagesPerNode)
}

func (p *Pools) Resolve(ptr common.VolatilePagePointer) *storage.Page {
	assert.Assert(!ptr.IsNull(), "resolving a null volatile pointer")
	node := ptr.Node()
	assert.Assert(int(node) < len(p.nodes), "pointer to unknown node %d", node)
	pool := p.nodes[node]

	pool.mu.Lock()
	defer pool.mu.Unlock()
	offset := ptr.Offset()
	assert.Assert(offset >= 1 && offset <= uint64(len(pool.pages)),
		"pointer offset %d out of pool (size %d)", offset, len(pool.pages))
	return pool.pages[offset-1]
}

func (p *Pools) Nodes() int { return len(p.nodes) }

func (p *Pools) Release(ptr common.VolatilePagePointer) {
	if ptr.IsNull() {
		return
	}
	pool := p.nodes[ptr.Node()]
	pool.mu.Lock()
	pool.free = append(pool.free, ptr.Offset())
	pool.mu.Unlock()
}

var _ storage.PageResolver = (*Pools)(nil)
