package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestMetrics builds a Metrics instance registered against a private
// registry so tests don't collide with each other or the default registry.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_llm_request_duration_seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_requests_total"},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_tokens_total"},
			[]string{"provider", "model", "type"},
		),
		LLMCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_llm_cost_usd_total"},
			[]string{"provider", "model"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_tool_executions_total"},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_tool_execution_duration_seconds", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}},
			[]string{"tool_name"},
		),
		ApprovalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_approval_decisions_total"},
			[]string{"policy", "decision"},
		),
		SandboxEscalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_sandbox_escalations_total"},
			[]string{"sandbox_type"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_errors_total"},
			[]string{"component", "error_type"},
		),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_active_sessions"}),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "test_session_duration_seconds", Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800}},
		),
		ContextWindowUsed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_context_window_tokens", Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000}},
			[]string{"provider", "model"},
		),
		RunAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_run_attempts_total"},
			[]string{"status"},
		),
	}
	reg.MustRegister(
		m.LLMRequestDuration, m.LLMRequestCounter, m.LLMTokensUsed, m.LLMCostUSD,
		m.ToolExecutionCounter, m.ToolExecutionDuration, m.ApprovalDecisions,
		m.SandboxEscalations, m.ErrorCounter, m.ActiveSessions, m.SessionDuration,
		m.ContextWindowUsed, m.RunAttempts,
	)
	return m
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	orig := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = orig }()

	m := NewMetrics()
	if m.LLMRequestDuration == nil || m.ToolExecutionCounter == nil || m.RunAttempts == nil {
		t.Fatal("NewMetrics left required fields nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected NewMetrics to register metric families")
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordLLMRequest("anthropic", "claude-3-opus", "success", 1.5, 100, 500)

	got := counterValue(t, m.LLMRequestCounter.WithLabelValues("anthropic", "claude-3-opus", "success"))
	if got != 1 {
		t.Errorf("expected request counter 1, got %v", got)
	}
	promptTokens := counterValue(t, m.LLMTokensUsed.WithLabelValues("anthropic", "claude-3-opus", "prompt"))
	if promptTokens != 100 {
		t.Errorf("expected 100 prompt tokens, got %v", promptTokens)
	}
	completionTokens := counterValue(t, m.LLMTokensUsed.WithLabelValues("anthropic", "claude-3-opus", "completion"))
	if completionTokens != 500 {
		t.Errorf("expected 500 completion tokens, got %v", completionTokens)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordToolExecution("shell", "success", 0.25)
	m.RecordToolExecution("shell", "error", 0.1)

	success := counterValue(t, m.ToolExecutionCounter.WithLabelValues("shell", "success"))
	if success != 1 {
		t.Errorf("expected 1 success, got %v", success)
	}
	failed := counterValue(t, m.ToolExecutionCounter.WithLabelValues("shell", "error"))
	if failed != 1 {
		t.Errorf("expected 1 error, got %v", failed)
	}
}

func TestRecordApprovalDecision(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordApprovalDecision("unless_trusted", "approved_for_session")

	got := counterValue(t, m.ApprovalDecisions.WithLabelValues("unless_trusted", "approved_for_session"))
	if got != 1 {
		t.Errorf("expected approval decision counter 1, got %v", got)
	}
}

func TestRecordSandboxEscalation(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordSandboxEscalation("linux_seccomp")

	got := counterValue(t, m.SandboxEscalations.WithLabelValues("linux_seccomp"))
	if got != 1 {
		t.Errorf("expected sandbox escalation counter 1, got %v", got)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError("turn", "stream_failed")
	m.RecordError("turn", "stream_failed")

	got := counterValue(t, m.ErrorCounter.WithLabelValues("turn", "stream_failed"))
	if got != 2 {
		t.Errorf("expected error counter 2, got %v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := newTestMetrics(t)
	m.SessionStarted()
	m.SessionStarted()
	if got := gaugeValue(t, m.ActiveSessions); got != 2 {
		t.Errorf("expected 2 active sessions, got %v", got)
	}

	m.SessionEnded(120.0)
	if got := gaugeValue(t, m.ActiveSessions); got != 1 {
		t.Errorf("expected 1 active session after end, got %v", got)
	}
}

func TestRecordRunAttempt(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRunAttempt("success")
	m.RecordRunAttempt("retry")
	m.RecordRunAttempt("retry")

	if got := counterValue(t, m.RunAttempts.WithLabelValues("retry")); got != 2 {
		t.Errorf("expected 2 retries, got %v", got)
	}
	if got := counterValue(t, m.RunAttempts.WithLabelValues("success")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
}

func TestRecordContextWindow(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordContextWindow("google", "gemini-1.5-pro", 45000)

	var metric dto.Metric
	if err := m.ContextWindowUsed.WithLabelValues("google", "gemini-1.5-pro").(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("expected 1 sample, got %v", metric.GetHistogram().GetSampleCount())
	}
}

func TestConcurrentMetrics(t *testing.T) {
	m := newTestMetrics(t)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			m.RecordToolExecution("apply_patch", "success", 0.05)
			m.RecordRunAttempt("success")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	got := counterValue(t, m.ToolExecutionCounter.WithLabelValues("apply_patch", "success"))
	if got != 10 {
		t.Errorf("expected 10 tool executions, got %v", got)
	}
}
