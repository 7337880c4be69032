package relationship

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueobs/queueobs/pkg/qerr"
)

func newTestManager() *Manager {
	return NewManager(log.NewNopLogger())
}

func TestAddStoresBothDirections(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("cluster", "broker", Contains, nil))

	out := m.Related("cluster", RelatedOpts{})
	require.Len(t, out, 1)
	assert.Equal(t, "broker", out[0].GUID)
	assert.Equal(t, Contains, out[0].Type)
	assert.Equal(t, Outgoing, out[0].Direction)

	in := m.Related("broker", RelatedOpts{})
	require.Len(t, in, 1)
	assert.Equal(t, "cluster", in[0].GUID)
	assert.Equal(t, ContainedIn, in[0].Type)

	assert.Equal(t, 2, m.Len())
}

func TestAddIsIdempotent(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("a", "b", Contains, nil))
	require.NoError(t, m.Add("a", "b", Contains, nil))
	assert.Equal(t, 2, m.Len())

	// A different type between the same endpoints is a new edge.
	require.NoError(t, m.Add("a", "b", Coordinates, nil))
	assert.Equal(t, 4, m.Len())
}

func TestAddRejectsInvalid(t *testing.T) {
	m := newTestManager()

	err := m.Add("", "b", Contains, nil)
	require.Error(t, err)
	assert.Equal(t, qerr.KindValidationFailed, qerr.KindOf(err))

	err = m.Add("a", "a", Contains, nil)
	require.Error(t, err)

	err = m.Add("a", "b", Type("FRIENDS_WITH"), nil)
	require.Error(t, err)
}

func TestCycleRejection(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("a", "b", Contains, nil))
	require.NoError(t, m.Add("b", "c", Contains, nil))

	err := m.Add("c", "a", Contains, nil)
	require.Error(t, err)
	assert.Equal(t, qerr.KindValidationFailed, qerr.KindOf(err))

	// The graph is untouched by the rejected edge.
	assert.Equal(t, 4, m.Len())

	// Non-hierarchical types may close loops freely.
	require.NoError(t, m.Add("c", "a", ProducesTo, nil))
}

func TestHierarchyTracking(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("cluster", "broker", Contains, nil))
	require.NoError(t, m.Add("cluster", "topic", Contains, nil))

	p, ok := m.Parent("broker")
	require.True(t, ok)
	assert.Equal(t, "cluster", p)
	assert.ElementsMatch(t, []string{"broker", "topic"}, m.Children("cluster"))
	assert.Equal(t, 0, m.Depth("cluster"))
	assert.Equal(t, 1, m.Depth("broker"))
}

func TestRelatedDepthAndTypeFilter(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("cluster", "topic", Contains, nil))
	require.NoError(t, m.Add("group", "topic", ConsumesFrom, nil))

	// Depth 1 from the cluster sees only the topic.
	direct := m.Related("cluster", RelatedOpts{})
	require.Len(t, direct, 1)

	// Depth 2 reaches the group through the topic.
	deep := m.Related("cluster", RelatedOpts{MaxDepth: 2})
	guids := make([]string, 0, len(deep))
	for _, r := range deep {
		guids = append(guids, r.GUID)
	}
	assert.Contains(t, guids, "group")

	// Type filter.
	contains := m.Related("cluster", RelatedOpts{Type: Contains, MaxDepth: 2})
	require.Len(t, contains, 1)
	assert.Equal(t, "topic", contains[0].GUID)
}

func TestRemoveDropsBothDirectionsAndHierarchy(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("cluster", "broker", Contains, nil))
	require.NoError(t, m.Add("broker", "group", Coordinates, nil))

	m.Remove("broker")

	assert.Empty(t, m.Related("cluster", RelatedOpts{}))
	assert.Empty(t, m.Related("group", RelatedOpts{}))
	assert.Empty(t, m.Children("cluster"))
	_, ok := m.Parent("broker")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestExportIsStable(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Add("b", "c", Contains, nil))
	require.NoError(t, m.Add("a", "b", Contains, nil))

	edges := m.Export()
	require.Len(t, edges, 2)
	assert.Equal(t, "a", edges[0].SourceGUID)
	assert.Equal(t, "b", edges[1].SourceGUID)
}

func TestInverse(t *testing.T) {
	assert.Equal(t, ContainedIn, Inverse(Contains))
	assert.Equal(t, Contains, Inverse(ContainedIn))
	assert.Equal(t, CoordinatedBy, Inverse(Coordinates))
	assert.Equal(t, ConsumesFrom, Inverse(ProducesTo))
}
