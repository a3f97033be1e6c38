package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_RecordSearch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("kf_test", reg, zap.NewNop())

	c.RecordSearch(10*time.Millisecond, 3, nil)
	c.RecordSearch(5*time.Millisecond, 0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.searchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.searchesTotal.WithLabelValues("error")))
}

func TestCollector_RecordIngest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("kf_test", reg, zap.NewNop())

	c.RecordIngest(time.Second, 12, nil)
	c.RecordIngest(time.Second, 0, errors.New("embed failed"))

	assert.Equal(t, 12.0, testutil.ToFloat64(c.chunksIndexed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestsTotal.WithLabelValues("error")))
}

func TestCollector_IndexStateAndCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("kf_test", reg, zap.NewNop())

	c.SetIndexState(100, 7)
	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()

	assert.Equal(t, 100.0, testutil.ToFloat64(c.indexLiveVectors))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.indexTombstones))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Two collectors must be able to coexist when given distinct registries.
	a := NewCollector("kf_test", prometheus.NewRegistry(), nil)
	b := NewCollector("kf_test", prometheus.NewRegistry(), nil)
	require.NotNil(t, a)
	require.NotNil(t, b)
}
