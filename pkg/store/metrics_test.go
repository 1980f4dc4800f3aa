package store_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typedkv/typedkv/pkg/store"
)

func gatherGauges(t *testing.T, registry *prometheus.Registry) map[string]float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return values
}

func TestStatsCollector(t *testing.T) {
	s := setupBadgerStore(t, true)
	ctx := context.Background()

	coll, err := s.Collection(ctx, "users")
	require.NoError(t, err)
	require.NoError(t, coll.Set(ctx, []byte("1"), []byte("alice")))
	require.NoError(t, coll.Set(ctx, []byte("2"), []byte("bob")))

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(store.NewStatsCollector(s)))

	values := gatherGauges(t, registry)
	assert.Equal(t, 1.0, values["typedkv_store_up"])
	assert.Equal(t, 1.0, values["typedkv_store_collections"])
	assert.Equal(t, 2.0, values["typedkv_store_keys"])
	assert.Contains(t, values, "typedkv_store_disk_bytes")
}

func TestStatsCollectorClosedStore(t *testing.T) {
	s := setupBadgerStore(t, true)
	require.NoError(t, s.Close())

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(store.NewStatsCollector(s)))

	values := gatherGauges(t, registry)
	assert.Equal(t, 0.0, values["typedkv_store_up"])
	assert.NotContains(t, values, "typedkv_store_keys")
}

func TestStatsCollectorLabels(t *testing.T) {
	s := setupBadgerStore(t, true)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(store.NewStatsCollector(s)))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			assert.Equal(t, "badger", labels["engine"])
			assert.NotEmpty(t, labels["store_id"])
		}
	}
}
