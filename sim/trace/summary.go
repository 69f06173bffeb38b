package trace

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ResourceSummary aggregates the snapshots of one resource. Time-weighted
// values are averaged over replications when the monitor holds several.
type ResourceSummary struct {
	Resource    string  `json:"resource"`
	MeanServer  float64 `json:"mean_server"`
	MeanQueue   float64 `json:"mean_queue"`
	MaxServer   int     `json:"max_server"`
	MaxQueue    int     `json:"max_queue"`
	Utilization float64 `json:"utilization"` // mean of server/capacity; 0 for infinite capacity
}

// Summary aggregates statistics from a Monitor.
type Summary struct {
	Arrivals         int               `json:"arrivals"`
	Finished         int               `json:"finished"`
	Unfinished       int               `json:"unfinished"`
	MeanFlowTime     float64           `json:"mean_flow_time"`
	StdFlowTime      float64           `json:"std_flow_time"`
	P50FlowTime      float64           `json:"p50_flow_time"`
	P90FlowTime      float64           `json:"p90_flow_time"`
	P99FlowTime      float64           `json:"p99_flow_time"`
	MeanActivityTime float64           `json:"mean_activity_time"`
	MeanWaitingTime  float64           `json:"mean_waiting_time"`
	Resources        []ResourceSummary `json:"resources"`
}

// Summarize computes aggregate statistics from a Monitor. Flow-time
// statistics cover finished arrivals only. Resource snapshots are weighted
// by how long they held, the last one until end.
// Safe for nil or empty monitors (returns zero-value fields).
func Summarize(m *Monitor, end float64) *Summary {
	summary := &Summary{Resources: make([]ResourceSummary, 0)}
	if m == nil {
		return summary
	}

	summary.Arrivals = len(m.arrivals)
	var flow, activity, waiting []float64
	for _, a := range m.arrivals {
		if !a.Finished {
			summary.Unfinished++
			continue
		}
		summary.Finished++
		flow = append(flow, a.FlowTime())
		activity = append(activity, a.ActivityTime)
		waiting = append(waiting, a.WaitingTime())
	}
	if len(flow) > 0 {
		summary.MeanFlowTime = stat.Mean(flow, nil)
		summary.MeanActivityTime = stat.Mean(activity, nil)
		summary.MeanWaitingTime = stat.Mean(waiting, nil)
		if len(flow) > 1 {
			summary.StdFlowTime = stat.StdDev(flow, nil)
		}
		sorted := append([]float64(nil), flow...)
		sort.Float64s(sorted)
		summary.P50FlowTime = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		summary.P90FlowTime = stat.Quantile(0.9, stat.Empirical, sorted, nil)
		summary.P99FlowTime = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	}

	summary.Resources = summarizeResources(m.resources, end)
	return summary
}

type seriesKey struct {
	replication int
	resource    string
}

func summarizeResources(records []ResourceRecord, end float64) []ResourceSummary {
	series := make(map[seriesKey][]ResourceRecord)
	var keys []seriesKey
	for _, r := range records {
		k := seriesKey{r.Replication, r.Resource}
		if _, ok := series[k]; !ok {
			keys = append(keys, k)
		}
		series[k] = append(series[k], r)
	}

	byName := make(map[string][]ResourceSummary)
	var names []string
	for _, k := range keys {
		if _, ok := byName[k.resource]; !ok {
			names = append(names, k.resource)
		}
		byName[k.resource] = append(byName[k.resource], summarizeSeries(k.resource, series[k], end))
	}
	sort.Strings(names)

	out := make([]ResourceSummary, 0, len(names))
	for _, name := range names {
		per := byName[name]
		agg := ResourceSummary{Resource: name}
		servers := make([]float64, len(per))
		queues := make([]float64, len(per))
		utils := make([]float64, len(per))
		for i, s := range per {
			servers[i], queues[i], utils[i] = s.MeanServer, s.MeanQueue, s.Utilization
			agg.MaxServer = max(agg.MaxServer, s.MaxServer)
			agg.MaxQueue = max(agg.MaxQueue, s.MaxQueue)
		}
		agg.MeanServer = stat.Mean(servers, nil)
		agg.MeanQueue = stat.Mean(queues, nil)
		agg.Utilization = stat.Mean(utils, nil)
		out = append(out, agg)
	}
	return out
}

// summarizeSeries computes time-weighted means over one resource's snapshots.
// Several snapshots at the same instant collapse to the last one because the
// earlier ones get zero weight.
func summarizeSeries(name string, recs []ResourceRecord, end float64) ResourceSummary {
	s := ResourceSummary{Resource: name}
	n := len(recs)
	servers := make([]float64, n)
	queues := make([]float64, n)
	utils := make([]float64, n)
	weights := make([]float64, n)
	total := 0.0
	for i, r := range recs {
		next := end
		if i+1 < n {
			next = recs[i+1].Time
		}
		w := math.Max(0, next-r.Time)
		weights[i] = w
		total += w
		servers[i] = float64(r.Server)
		queues[i] = float64(r.Queue)
		if r.Capacity != Unbounded && r.Capacity > 0 {
			utils[i] = float64(r.Server) / float64(r.Capacity)
		}
		s.MaxServer = max(s.MaxServer, r.Server)
		s.MaxQueue = max(s.MaxQueue, r.Queue)
	}
	if total == 0 {
		// all snapshots at the horizon: fall back to the final state
		last := recs[n-1]
		s.MeanServer = float64(last.Server)
		s.MeanQueue = float64(last.Queue)
		s.Utilization = utils[n-1]
		return s
	}
	s.MeanServer = stat.Mean(servers, weights)
	s.MeanQueue = stat.Mean(queues, weights)
	s.Utilization = stat.Mean(utils, weights)
	return s
}
