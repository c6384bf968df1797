// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real production data.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for testing dashboards. Names, labels and buckets mirror the
// live definitions in internal/chat, internal/vectorstore, internal/mcp,
// internal/testbed and internal/server so panels built against this
// generator work unchanged against a real ragd.
var (
	// Chat metrics
	chatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total number of chat turns",
		},
		[]string{"mode"},
	)
	chatTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_duration_seconds",
			Help:    "Duration of one chat turn end to end",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
		[]string{"mode"},
	)
	chatToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_tool_calls_total",
			Help: "Total number of tool calls requested by the chat model",
		},
		[]string{"tool"},
	)
	chatCannedReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_canned_replies_total",
			Help: "Total number of canned replies served instead of a model answer",
		},
		[]string{"kind"},
	)
	chatGradeRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_grade_rejections_total",
			Help: "Total number of retrieval contexts rejected by the grading model",
		},
	)

	// Vector store metrics
	vsIngests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectorstore_ingests_total",
			Help: "Total number of ingest merges per table",
		},
		[]string{"table"},
	)
	vsRowsInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorstore_rows_inserted_total",
			Help: "Total number of rows inserted across all tables",
		},
	)
	vsChunksEmbedded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorstore_chunks_embedded_total",
			Help: "Total number of chunks run through an embedding model",
		},
	)
	vsEmbedBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vectorstore_embed_batch_duration_seconds",
			Help:    "Duration of one embedding batch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)
	vsSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectorstore_searches_total",
			Help: "Total number of vector searches by search type",
		},
		[]string{"type"},
	)
	vsSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vectorstore_search_duration_seconds",
			Help:    "Duration of one vector search",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"type"},
	)
	vsRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorstore_refreshes_total",
			Help: "Total number of change-detection refresh sweeps",
		},
	)
	vsMalformedComments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorstore_malformed_comments_total",
			Help: "Total number of tables skipped for an unparseable metadata comment",
		},
	)

	// MCP metrics
	mcpToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Total number of MCP tool invocations",
		},
		[]string{"tool"},
	)
	mcpToolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_tool_errors_total",
			Help: "Total number of MCP tool invocations that returned an error",
		},
		[]string{"tool"},
	)
	mcpToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_tool_duration_seconds",
			Help:    "Duration of one MCP tool invocation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"tool"},
	)
	mcpPromptGets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_prompt_gets_total",
			Help: "Total number of MCP prompt resolutions",
		},
		[]string{"prompt"},
	)

	// Testbed metrics
	testbedQuestions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "testbed_questions_generated_total",
			Help: "Total number of generated question/answer pairs",
		},
	)
	testbedEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "testbed_evaluations_total",
			Help: "Total number of completed evaluations",
		},
	)
	testbedVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbed_judge_verdicts_total",
			Help: "Total number of judge verdicts by outcome",
		},
		[]string{"verdict"},
	)
	testbedEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testbed_evaluation_duration_seconds",
			Help:    "Duration of one evaluation run end to end",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	// HTTP server metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route"},
	)
)

// Label value pools matching what a live ragd emits.
var (
	chatModes   = []string{"unary", "stream"}
	chatTools   = []string{"vector_search", "selectai"}
	cannedKinds = []string{"model_init", "upstream_error", "no_function_calling"}
	searchTypes = []string{"similarity", "similarity_score_threshold", "mmr"}
	mcpTools    = []string{"vectorstore_list", "vector_search", "rephrase", "storage_list"}
	promptNames = []string{
		"optimizer-basic-default",
		"optimizer-context-default",
		"optimizer-grading-default",
		"optimizer-rephrase-default",
		"optimizer-judge-default",
	}
	tables = []string{
		"DOCS_ALL_MINILM_L6_V2_1000_100_COSINE_HNSW",
		"WIKI_ALL_MINILM_L6_V2_800_80_COSINE_HNSW",
		"TICKETS_ALL_MINILM_L6_V2_1000_100_DOT_NONE",
	}
	routes = []string{
		"/v1/chat/completions",
		"/v1/chat/streams",
		"/v1/models",
		"/v1/settings",
		"/v1/embed",
		"/v1/mcp/prompts",
		"/v1/testbed/evaluations",
		"/v1/healthz",
	}
	methods  = []string{"GET", "POST", "PATCH"}
	statuses = []string{"200", "200", "200", "201", "400", "401", "500"}
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		// Chat
		chatTurns,
		chatTurnDuration,
		chatToolCalls,
		chatCannedReplies,
		chatGradeRejections,
		// Vector store
		vsIngests,
		vsRowsInserted,
		vsChunksEmbedded,
		vsEmbedBatchDuration,
		vsSearches,
		vsSearchDuration,
		vsRefreshes,
		vsMalformedComments,
		// MCP
		mcpToolCalls,
		mcpToolErrors,
		mcpToolDuration,
		mcpPromptGets,
		// Testbed
		testbedQuestions,
		testbedEvaluations,
		testbedVerdicts,
		testbedEvalDuration,
		// HTTP
		httpRequestsTotal,
		httpRequestDuration,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	// Generate initial sample data
	generateSampleData()

	// Start background goroutine to continuously generate data
	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	// Serve metrics
	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'ragd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	// Chat turns: mostly streamed, tool calls on roughly half of them
	for i := 0; i < 120; i++ {
		mode := "stream"
		if rand.Float64() > 0.7 {
			mode = "unary"
		}
		chatTurns.WithLabelValues(mode).Inc()
		chatTurnDuration.WithLabelValues(mode).Observe(0.2 + rand.Float64()*8.0)
		if rand.Float64() > 0.5 {
			chatToolCalls.WithLabelValues(randomChoice(chatTools)).Inc()
		}
	}
	for i := 0; i < 6; i++ {
		chatCannedReplies.WithLabelValues(randomChoice(cannedKinds)).Inc()
	}
	for i := 0; i < 15; i++ {
		chatGradeRejections.Inc()
	}

	// Ingest activity per table
	for _, table := range tables {
		for i := 0; i < 3; i++ {
			vsIngests.WithLabelValues(table).Inc()
			rows := rand.Intn(400) + 50
			vsRowsInserted.Add(float64(rows))
			vsChunksEmbedded.Add(float64(rows))
		}
	}
	for i := 0; i < 60; i++ {
		vsEmbedBatchDuration.Observe(0.1 + rand.Float64()*1.5)
	}

	// Searches skew heavily toward plain similarity
	for i := 0; i < 200; i++ {
		sType := "similarity"
		if rand.Float64() > 0.8 {
			sType = randomChoice(searchTypes)
		}
		vsSearches.WithLabelValues(sType).Inc()
		vsSearchDuration.WithLabelValues(sType).Observe(0.005 + rand.Float64()*0.1)
	}
	for i := 0; i < 10; i++ {
		vsRefreshes.Inc()
	}
	vsMalformedComments.Inc()

	// MCP tool traffic, with a small error rate
	for i := 0; i < 80; i++ {
		tool := randomChoice(mcpTools)
		mcpToolCalls.WithLabelValues(tool).Inc()
		mcpToolDuration.WithLabelValues(tool).Observe(0.02 + rand.Float64()*2.0)
		if rand.Float64() > 0.95 {
			mcpToolErrors.WithLabelValues(tool).Inc()
		}
	}
	for i := 0; i < 40; i++ {
		mcpPromptGets.WithLabelValues(randomChoice(promptNames)).Inc()
	}

	// A handful of evaluation runs, roughly 70% correct verdicts
	for i := 0; i < 5; i++ {
		n := rand.Intn(20) + 10
		testbedQuestions.Add(float64(n))
		testbedEvaluations.Inc()
		testbedEvalDuration.Observe(30 + rand.Float64()*270)
		for j := 0; j < n; j++ {
			verdict := "correct"
			if rand.Float64() > 0.7 {
				verdict = "incorrect"
			}
			testbedVerdicts.WithLabelValues(verdict).Inc()
		}
	}

	// HTTP traffic across the API routes
	for i := 0; i < 300; i++ {
		route := randomChoice(routes)
		method := randomChoice(methods)
		httpRequestsTotal.WithLabelValues(method, route, randomChoice(statuses)).Inc()
		httpRequestDuration.WithLabelValues(method, route).Observe(0.002 + rand.Float64()*0.5)
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Add some random activity
			if rand.Float64() > 0.4 {
				mode := randomChoice(chatModes)
				chatTurns.WithLabelValues(mode).Inc()
				chatTurnDuration.WithLabelValues(mode).Observe(0.2 + rand.Float64()*8.0)
				if rand.Float64() > 0.5 {
					chatToolCalls.WithLabelValues(randomChoice(chatTools)).Inc()
				}
				if rand.Float64() > 0.9 {
					chatGradeRejections.Inc()
				}
			}
			if rand.Float64() > 0.3 {
				sType := "similarity"
				if rand.Float64() > 0.8 {
					sType = randomChoice(searchTypes)
				}
				vsSearches.WithLabelValues(sType).Inc()
				vsSearchDuration.WithLabelValues(sType).Observe(0.005 + rand.Float64()*0.1)
			}
			if rand.Float64() > 0.9 {
				table := randomChoice(tables)
				vsIngests.WithLabelValues(table).Inc()
				rows := rand.Intn(400) + 50
				vsRowsInserted.Add(float64(rows))
				vsChunksEmbedded.Add(float64(rows))
				vsEmbedBatchDuration.Observe(0.1 + rand.Float64()*1.5)
			}
			if rand.Float64() > 0.95 {
				vsRefreshes.Inc()
			}
			if rand.Float64() > 0.5 {
				tool := randomChoice(mcpTools)
				mcpToolCalls.WithLabelValues(tool).Inc()
				mcpToolDuration.WithLabelValues(tool).Observe(0.02 + rand.Float64()*2.0)
				if rand.Float64() > 0.95 {
					mcpToolErrors.WithLabelValues(tool).Inc()
				}
			}
			if rand.Float64() > 0.7 {
				mcpPromptGets.WithLabelValues(randomChoice(promptNames)).Inc()
			}
			if rand.Float64() > 0.97 {
				n := rand.Intn(20) + 10
				testbedQuestions.Add(float64(n))
				testbedEvaluations.Inc()
				testbedEvalDuration.Observe(30 + rand.Float64()*270)
				for j := 0; j < n; j++ {
					verdict := "correct"
					if rand.Float64() > 0.7 {
						verdict = "incorrect"
					}
					testbedVerdicts.WithLabelValues(verdict).Inc()
				}
			}
			for i := 0; i < rand.Intn(5); i++ {
				route := randomChoice(routes)
				method := randomChoice(methods)
				httpRequestsTotal.WithLabelValues(method, route, randomChoice(statuses)).Inc()
				httpRequestDuration.WithLabelValues(method, route).Observe(0.002 + rand.Float64()*0.5)
			}
		}
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
