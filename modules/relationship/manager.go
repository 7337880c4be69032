package relationship

import (
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queueobs/queueobs/pkg/qerr"
)

var (
	metricEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "relationship",
		Name:      "edges",
		Help:      "Stored relationship edges, inverses included.",
	})
	metricCycleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "relationship",
		Name:      "cycle_rejections_total",
		Help:      "Hierarchical edges rejected because they would close a cycle.",
	})
)

// Type is a relationship type. Forward types have a fixed inverse; adding an
// edge always stores both directions.
type Type string

const (
	Contains       Type = "CONTAINS"
	ContainedIn    Type = "CONTAINED_IN"
	Owns           Type = "OWNS"
	BelongsTo      Type = "BELONGS_TO"
	Manages        Type = "MANAGES"
	ManagedBy      Type = "MANAGED_BY"
	ProducesTo     Type = "PRODUCES_TO"
	ConsumesFrom   Type = "CONSUMES_FROM"
	Coordinates    Type = "COORDINATES"
	CoordinatedBy  Type = "COORDINATED_BY"
	ReplicatesTo   Type = "REPLICATES_TO"
	ReplicatedFrom Type = "REPLICATED_FROM"
	Serves         Type = "SERVES"
	ServedBy       Type = "SERVED_BY"
)

var inverses = map[Type]Type{
	Contains:       ContainedIn,
	ContainedIn:    Contains,
	Owns:           BelongsTo,
	BelongsTo:      Owns,
	Manages:        ManagedBy,
	ManagedBy:      Manages,
	ProducesTo:     ConsumesFrom,
	ConsumesFrom:   ProducesTo,
	Coordinates:    CoordinatedBy,
	CoordinatedBy:  Coordinates,
	ReplicatesTo:   ReplicatedFrom,
	ReplicatedFrom: ReplicatesTo,
	Serves:         ServedBy,
	ServedBy:       Serves,
}

// Inverse returns the stored inverse of t.
func Inverse(t Type) Type { return inverses[t] }

// Hierarchical reports whether t participates in the parent/child DAG.
func Hierarchical(t Type) bool {
	switch t {
	case Contains, Owns, Manages:
		return true
	}
	return false
}

// Direction of an edge relative to the queried GUID.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Edge is one stored relationship.
type Edge struct {
	SourceGUID string            `json:"sourceGuid"`
	TargetGUID string            `json:"targetGuid"`
	Type       Type              `json:"type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Related is one BFS result row.
type Related struct {
	GUID      string
	Type      Type
	Direction Direction
	Depth     int
}

// Manager holds the relationship graph. Edges are keyed by GUID strings,
// never entity references; the registry owns the entities. Single writer,
// many readers.
type Manager struct {
	mtx sync.RWMutex

	// forward edges by source GUID; the inverse edge lives under the target.
	outbound map[string][]Edge
	inbound  map[string][]Edge

	// hierarchy index for the hierarchical types.
	parent   map[string]string
	children map[string][]string
	depth    map[string]int

	now    func() time.Time
	logger log.Logger
}

func NewManager(logger log.Logger) *Manager {
	return &Manager{
		outbound: map[string][]Edge{},
		inbound:  map[string][]Edge{},
		parent:   map[string]string{},
		children: map[string][]string{},
		depth:    map[string]int{},
		now:      time.Now,
		logger:   logger,
	}
}

// Add stores the (src, tgt, typ) edge and its inverse. Idempotent on the
// triple. Hierarchical edges that would close a cycle are rejected with
// ValidationFailed and leave the graph untouched.
func (m *Manager) Add(src, tgt string, typ Type, metadata map[string]string) error {
	if src == "" || tgt == "" {
		return qerr.E(qerr.KindValidationFailed, "relationship endpoints must be non-empty")
	}
	if src == tgt {
		return qerr.E(qerr.KindValidationFailed, "self relationship on %s", src)
	}
	if _, ok := inverses[typ]; !ok {
		return qerr.E(qerr.KindValidationFailed, "unknown relationship type %q", typ)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.hasEdgeLocked(src, tgt, typ) {
		return nil
	}
	if Hierarchical(typ) && m.reachableLocked(tgt, src) {
		metricCycleRejections.Inc()
		return qerr.E(qerr.KindValidationFailed, "edge %s -%s-> %s would create a cycle", src, typ, tgt)
	}

	createdAt := m.now()
	m.outbound[src] = append(m.outbound[src], Edge{SourceGUID: src, TargetGUID: tgt, Type: typ, Metadata: metadata, CreatedAt: createdAt})
	m.inbound[tgt] = append(m.inbound[tgt], Edge{SourceGUID: tgt, TargetGUID: src, Type: Inverse(typ), Metadata: metadata, CreatedAt: createdAt})
	metricEdges.Add(2)

	if Hierarchical(typ) {
		m.reparentLocked(tgt, src)
	}

	level.Debug(m.logger).Log("msg", "relationship added", "source", src, "target", tgt, "type", string(typ))
	return nil
}

func (m *Manager) hasEdgeLocked(src, tgt string, typ Type) bool {
	for _, e := range m.outbound[src] {
		if e.TargetGUID == tgt && e.Type == typ {
			return true
		}
	}
	return false
}

// reachableLocked walks hierarchical forward edges from start looking for
// goal. Used as the cycle check: adding src->tgt is illegal when src is
// already reachable from tgt.
func (m *Manager) reachableLocked(start, goal string) bool {
	stack := []string{start}
	seen := map[string]struct{}{start: {}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == goal {
			return true
		}
		for _, e := range m.outbound[cur] {
			if !Hierarchical(e.Type) {
				continue
			}
			if _, ok := seen[e.TargetGUID]; ok {
				continue
			}
			seen[e.TargetGUID] = struct{}{}
			stack = append(stack, e.TargetGUID)
		}
	}
	return false
}

func (m *Manager) reparentLocked(child, parent string) {
	if prev, ok := m.parent[child]; ok {
		if prev == parent {
			return
		}
		siblings := m.children[prev]
		for i, c := range siblings {
			if c == child {
				m.children[prev] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	m.parent[child] = parent
	m.children[parent] = append(m.children[parent], child)
	m.recomputeDepthLocked(child)
}

func (m *Manager) recomputeDepthLocked(node string) {
	if p, ok := m.parent[node]; ok {
		m.depth[node] = m.depth[p] + 1
	} else {
		m.depth[node] = 0
	}
	for _, c := range m.children[node] {
		m.recomputeDepthLocked(c)
	}
}

// Parent returns the hierarchical parent of guid, if any.
func (m *Manager) Parent(guid string) (string, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	p, ok := m.parent[guid]
	return p, ok
}

// Children returns the hierarchical children of guid.
func (m *Manager) Children(guid string) []string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	out := make([]string, len(m.children[guid]))
	copy(out, m.children[guid])
	return out
}

// Depth returns the node's depth in the hierarchy; roots are 0.
func (m *Manager) Depth(guid string) int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.depth[guid]
}

// RelatedOpts filters a Related query.
type RelatedOpts struct {
	// Type restricts results to one relationship type; empty means all.
	Type Type
	// MaxDepth bounds the BFS; 0 defaults to direct neighbors only.
	MaxDepth int
}

// Related walks the graph breadth-first from guid, deduplicating on
// (guid, type, direction).
func (m *Manager) Related(guid string, opts RelatedOpts) []Related {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 1
	}

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	type dedupeKey struct {
		guid      string
		typ       Type
		direction Direction
	}
	seen := map[dedupeKey]struct{}{}
	visited := map[string]struct{}{guid: {}}
	var out []Related

	frontier := []string{guid}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range m.outbound[cur] {
				if opts.Type != "" && e.Type != opts.Type {
					continue
				}
				k := dedupeKey{e.TargetGUID, e.Type, Outgoing}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, Related{GUID: e.TargetGUID, Type: e.Type, Direction: Outgoing, Depth: depth})
				if _, ok := visited[e.TargetGUID]; !ok {
					visited[e.TargetGUID] = struct{}{}
					next = append(next, e.TargetGUID)
				}
			}
			for _, e := range m.inbound[cur] {
				if opts.Type != "" && e.Type != opts.Type {
					continue
				}
				k := dedupeKey{e.TargetGUID, e.Type, Incoming}
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, Related{GUID: e.TargetGUID, Type: e.Type, Direction: Incoming, Depth: depth})
				if _, ok := visited[e.TargetGUID]; !ok {
					visited[e.TargetGUID] = struct{}{}
					next = append(next, e.TargetGUID)
				}
			}
		}
		frontier = next
	}
	return out
}

// Export returns all forward edges in a stable order, for streaming and for
// the dashboard consumers.
func (m *Manager) Export() []Edge {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []Edge
	for _, edges := range m.outbound {
		out = append(out, edges...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceGUID != out[j].SourceGUID {
			return out[i].SourceGUID < out[j].SourceGUID
		}
		if out[i].TargetGUID != out[j].TargetGUID {
			return out[i].TargetGUID < out[j].TargetGUID
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Remove drops every edge touching guid, in both directions. Called by the
// registry when an entity ages out.
func (m *Manager) Remove(guid string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	removed := 0
	for _, e := range m.outbound[guid] {
		removed += 1 + m.dropEdgeLocked(m.inbound, e.TargetGUID, guid)
	}
	for _, e := range m.inbound[guid] {
		removed += 1 + m.dropEdgeLocked(m.outbound, e.TargetGUID, guid)
	}
	delete(m.outbound, guid)
	delete(m.inbound, guid)
	metricEdges.Sub(float64(removed))

	if p, ok := m.parent[guid]; ok {
		siblings := m.children[p]
		for i, c := range siblings {
			if c == guid {
				m.children[p] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
		delete(m.parent, guid)
	}
	for _, c := range m.children[guid] {
		delete(m.parent, c)
		m.recomputeDepthLocked(c)
	}
	delete(m.children, guid)
	delete(m.depth, guid)
}

// dropEdgeLocked removes edges in index[owner] pointing at guid, returning
// how many were dropped.
func (m *Manager) dropEdgeLocked(index map[string][]Edge, owner, guid string) int {
	edges := index[owner]
	kept := edges[:0]
	dropped := 0
	for _, e := range edges {
		if e.TargetGUID == guid {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(index, owner)
	} else {
		index[owner] = kept
	}
	return dropped
}

// Len returns the count of stored edges including inverses.
func (m *Manager) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	n := 0
	for _, e := range m.outbound {
		n += len(e)
	}
	for _, e := range m.inbound {
		n += len(e)
	}
	return n
}
