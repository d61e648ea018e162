package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	requestsTotal      *prometheus.CounterVec
	generationDuration prometheus.Histogram
	generatedTokens    prometheus.Counter
	promptTokens       prometheus.Counter
	inFlight           prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llama_serve",
			Name:      "generate_requests_total",
			Help:      "Count of /generate requests by response status code.",
		}, []string{"status"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llama_serve",
			Name:      "generation_duration_seconds",
			Help:      "Duration of successful generations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llama_serve",
			Name:      "generated_tokens_total",
			Help:      "Tokens generated after the prompts.",
		}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llama_serve",
			Name:      "prompt_tokens_total",
			Help:      "Tokens of the prompts including the begin of sentence token.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llama_serve",
			Name:      "generate_requests_in_flight",
			Help:      "Requests generating or waiting for their turn.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.generationDuration,
		m.generatedTokens,
		m.promptTokens,
		m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
