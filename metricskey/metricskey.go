package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of operations routed to the token",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfExchange is perf metric
	PerfExchange = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_exchange",
		Help:         "perf_exchange provides the sample metrics of reader exchange sessions",
		RequiredTags: []string{"reader", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfExchange,
}
