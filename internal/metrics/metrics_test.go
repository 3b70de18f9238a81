package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"
)

func TestMetricNamesMatchTypes(t *testing.T) {
	m := New()
	families, err := m.reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	for _, mf := range families {
		name := mf.GetName()
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			assert.False(t, strings.HasSuffix(name, "_total"),
				"gauge %s carries a counter suffix", name)
		case dto.MetricType_COUNTER:
			assert.True(t, strings.HasSuffix(name, "_total"),
				"counter %s missing the _total suffix", name)
		}
	}
}
