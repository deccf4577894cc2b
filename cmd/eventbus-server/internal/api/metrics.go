package api

import (
	"context"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricsCollector is satisfied by *sdkmetric.ManualReader.
type MetricsCollector interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

// MetricView is one instrument with its current data points.
type MetricView struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	Points      []PointView `json:"points"`
}

// PointView is one attribute set of an instrument. Histograms report Count and Sum.
type PointView struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// HandleMetrics handles GET /api/v1/metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.respondError(w, http.StatusNotFound, "Metrics are disabled", "NOT_FOUND")
		return
	}

	var rm metricdata.ResourceMetrics
	if err := h.metrics.Collect(r.Context(), &rm); err != nil {
		h.logger.Errorf("Failed to collect metrics: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to collect metrics", "METRICS_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusOK, summarize(rm), "")
}

func summarize(rm metricdata.ResourceMetrics) []MetricView {
	var views []MetricView
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			views = append(views, MetricView{
				Name:        m.Name,
				Description: m.Description,
				Unit:        m.Unit,
				Points:      points(m.Data),
			})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

func points(data metricdata.Aggregation) []PointView {
	var out []PointView
	switch d := data.(type) {
	case metricdata.Sum[int64]:
		for _, p := range d.DataPoints {
			out = append(out, PointView{Attributes: attrs(p.Attributes), Value: float64(p.Value)})
		}
	case metricdata.Sum[float64]:
		for _, p := range d.DataPoints {
			out = append(out, PointView{Attributes: attrs(p.Attributes), Value: p.Value})
		}
	case metricdata.Gauge[int64]:
		for _, p := range d.DataPoints {
			out = append(out, PointView{Attributes: attrs(p.Attributes), Value: float64(p.Value)})
		}
	case metricdata.Gauge[float64]:
		for _, p := range d.DataPoints {
			out = append(out, PointView{Attributes: attrs(p.Attributes), Value: p.Value})
		}
	case metricdata.Histogram[float64]:
		for _, p := range d.DataPoints {
			out = append(out, PointView{Attributes: attrs(p.Attributes), Value: p.Sum, Count: p.Count})
		}
	}
	return out
}

func attrs(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	m := make(map[string]string, set.Len())
	for iter := set.Iter(); iter.Next(); {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
