package registry

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/queueobs/queueobs/modules/entity"
	"github.com/queueobs/queueobs/modules/relationship"
	"github.com/queueobs/queueobs/pkg/qerr"
)

var (
	metricEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "queueobs",
		Subsystem: "registry",
		Name:      "entities",
		Help:      "Registered entities by type.",
	}, []string{"type"})
	metricSweptEntities = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "queueobs",
		Subsystem: "registry",
		Name:      "swept_entities_total",
		Help:      "Entities removed after going unseen for the configured number of ticks.",
	})
)

// DefaultAbsentTicks is how many consecutive ticks an entity may be missing
// from collected samples before the sweep removes it.
const DefaultAbsentTicks = 3

// Registry is the single source of truth for entities, keyed by GUID.
// Single writer, many readers; every other component holds GUIDs, not
// entity references.
type Registry struct {
	mtx      sync.RWMutex
	entities map[string]*entity.Entity

	rels   *relationship.Manager
	logger log.Logger
	now    func() time.Time
}

func New(rels *relationship.Manager, logger log.Logger) *Registry {
	return &Registry{
		entities: map[string]*entity.Entity{},
		rels:     rels,
		logger:   logger,
		now:      time.Now,
	}
}

// Relationships exposes the relationship manager tied to this registry.
func (r *Registry) Relationships() *relationship.Manager { return r.rels }

// Get returns the entity for guid.
func (r *Registry) Get(guid string) (*entity.Entity, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	e, ok := r.entities[guid]
	return e, ok
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.entities)
}

// GUIDs returns all registered GUIDs.
func (r *Registry) GUIDs() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]string, 0, len(r.entities))
	for g := range r.entities {
		out = append(out, g)
	}
	return out
}

// ByType returns all entities of one type.
func (r *Registry) ByType(t entity.Type) []*entity.Entity {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var out []*entity.Entity
	for _, e := range r.entities {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// insert registers a validated entity, idempotent on GUID: when the GUID
// already exists the stored entity's metadata and tags are merged and it is
// returned instead.
func (r *Registry) insert(e *entity.Entity) *entity.Entity {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if existing, ok := r.entities[e.GUID]; ok {
		for k, v := range e.Metadata {
			if existing.Metadata == nil {
				existing.Metadata = map[string]any{}
			}
			existing.Metadata[k] = v
		}
		for k, v := range e.Tags {
			existing.SetTag(k, v)
		}
		existing.UpdatedAt = r.now()
		return existing
	}

	now := r.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	r.entities[e.GUID] = e
	metricEntities.WithLabelValues(string(e.Type)).Inc()
	level.Debug(r.logger).Log("msg", "entity registered", "guid", e.GUID, "type", string(e.Type))
	return e
}

// Upsert applies patch to the entity under the write lock. This is the only
// mutation path after creation; the transformer owns it. Patching a
// published entity must not touch identity fields, which the entity enforces
// by recomputing its GUID.
func (r *Registry) Upsert(guid string, patch func(*entity.Entity)) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	e, ok := r.entities[guid]
	if !ok {
		return qerr.E(qerr.KindValidationFailed, "upsert of unknown entity %s", guid)
	}
	patch(e)
	if recomputed := e.ComputeGUID(); recomputed != guid {
		if e.Published() {
			return qerr.E(qerr.KindValidationFailed, "identity mutation of published entity %s", guid)
		}
		delete(r.entities, guid)
		e.GUID = recomputed
		r.entities[recomputed] = e
	}
	e.UpdatedAt = r.now()
	return nil
}

// MarkSeen records that the entity was observed on the given tick.
func (r *Registry) MarkSeen(guid string, tick uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if e, ok := r.entities[guid]; ok {
		e.MarkSeen(tick)
	}
}

// Sweep removes entities unseen for absentTicks consecutive ticks and drops
// their relationship edges. Returns the removed GUIDs.
func (r *Registry) Sweep(tick uint64, absentTicks uint64) []string {
	if absentTicks == 0 {
		absentTicks = DefaultAbsentTicks
	}

	r.mtx.Lock()
	var removed []string
	for guid, e := range r.entities {
		if tick >= e.LastSeen()+absentTicks {
			delete(r.entities, guid)
			metricEntities.WithLabelValues(string(e.Type)).Dec()
			removed = append(removed, guid)
		}
	}
	r.mtx.Unlock()

	for _, guid := range removed {
		r.rels.Remove(guid)
		metricSweptEntities.Inc()
		level.Info(r.logger).Log("msg", "entity swept", "guid", guid, "tick", tick)
	}
	return removed
}

// Snapshot returns a read-only copy of all entities for out-of-scope
// consumers (dashboard generation reads this).
func (r *Registry) Snapshot() []entity.Entity {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]entity.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, *e)
	}
	return out
}
