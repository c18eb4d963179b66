package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/domain"
	"alertflow/internal/evaluator"
	"alertflow/internal/metricsource"
	"alertflow/internal/state"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	kinds  []string
	panics bool
}

func (n *recordingNotifier) SendAlertNotifications(_ context.Context, alert *domain.Alert, rule domain.AlertRule, kind string) ([]*domain.NotificationRequest, error) {
	if n.panics {
		panic("notifier exploded")
	}
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
	for _, channelType := range rule.Channels {
		alert.MarkNotified(string(channelType) + ":primary")
	}
	return nil, nil
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, item := range n.kinds {
		if item == kind {
			total++
		}
	}
	return total
}

type harness struct {
	orch     *Orchestrator
	clock    *clock.Manual
	metrics  *metricsource.Static
	store    *state.MemoryAlertStore
	notifier *recordingNotifier
}

func testRule(id, metric string, severity domain.Severity, triggerCount int) domain.AlertRule {
	return domain.AlertRule{
		ID:       id,
		Name:     id,
		Severity: severity,
		Enabled:  true,
		Condition: domain.RuleCondition{
			MetricName:          metric,
			Threshold:           90,
			Operator:            domain.OpGreater,
			EvaluationWindowSec: 60,
		},
		TriggerCount: triggerCount,
		Channels:     []domain.ChannelType{domain.ChannelSlack},
	}
}

func newHarness(t *testing.T, opts Options, rules ...domain.AlertRule) *harness {
	t.Helper()
	clk := clock.NewManual(testNow)
	metrics := metricsource.NewStatic(nil)
	store := state.NewMemoryAlertStore()
	notifier := &recordingNotifier{}
	eval := evaluator.New(metrics, nil, clk, nil)
	orch := New(eval, store, state.NewConfigRules(rules), notifier, opts, clk, nil)
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &harness{orch: orch, clock: clk, metrics: metrics, store: store, notifier: notifier}
}

func (h *harness) pass(t *testing.T) CycleResult {
	t.Helper()
	return h.orch.EvaluateAndProcessAlerts(context.Background())
}

func TestEvaluateCreatesSingleAlertPerRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.metrics.Set("cpu", 95)

	first := h.pass(t)
	if len(first.Created) != 1 || len(first.Results) != 1 {
		t.Fatalf("expected one created alert, got %+v", first)
	}
	alertID := first.Created[0].ID
	stored, err := h.store.GetAlert(context.Background(), alertID)
	if err != nil {
		t.Fatalf("alert not persisted: %v", err)
	}
	if len(stored.NotificationsSent) != 1 || stored.NotificationsSent[0] != "slack:primary" {
		t.Fatalf("notified refs not persisted: %v", stored.NotificationsSent)
	}
	if h.notifier.count(domain.KindAlert) != 1 {
		t.Fatalf("expected one alert notification")
	}

	h.clock.Advance(30 * time.Second)
	second := h.pass(t)
	if len(second.Created) != 0 {
		t.Fatalf("active alert must block duplicate, created %d", len(second.Created))
	}
	if active := h.orch.ActiveAlerts(); len(active) != 1 || active[0].ID != alertID {
		t.Fatalf("unexpected active alerts %+v", active)
	}
}

func TestDuplicateCheckFallsBackToStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	existing, err := domain.NewAlert("cpu_high", "from another instance", "", domain.SeverityHigh, nil, testNow)
	if err != nil {
		t.Fatalf("new alert: %v", err)
	}
	if err := h.store.SaveAlert(context.Background(), existing); err != nil {
		t.Fatalf("save alert: %v", err)
	}
	h.metrics.Set("cpu", 95)

	if result := h.pass(t); len(result.Created) != 0 {
		t.Fatalf("store hit must block duplicate alert")
	}
	if active := h.orch.ActiveAlerts(); len(active) != 1 || active[0].ID != existing.ID {
		t.Fatalf("store hit must be cached, got %+v", active)
	}
}

func TestTriggerCountSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 2))
	values := []float64{95, 95, 50, 95}
	want := []bool{false, true, false, false}
	for i, value := range values {
		h.metrics.Set("cpu", value)
		result := h.pass(t)
		if len(result.Results) != 1 {
			t.Fatalf("pass %d: expected one result", i)
		}
		if got := result.Results[0].ShouldTrigger; got != want[i] {
			t.Fatalf("pass %d: should_trigger=%v want %v", i, got, want[i])
		}
		h.clock.Advance(10 * time.Second)
	}
}

func TestAutoResolveRequiresMinimumAge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.metrics.Set("cpu", 95)
	created := h.pass(t)
	if len(created.Created) != 1 {
		t.Fatalf("expected created alert")
	}
	alertID := created.Created[0].ID

	h.metrics.Set("cpu", 50)
	h.clock.Advance(3 * time.Minute)
	if result := h.pass(t); result.Resolved != 0 {
		t.Fatalf("alert active for 3 minutes must not auto-resolve")
	}

	h.clock.Advance(3 * time.Minute)
	if result := h.pass(t); result.Resolved != 1 {
		t.Fatalf("alert active for 6 minutes must auto-resolve, got %+v", result)
	}
	stored, err := h.store.GetAlert(context.Background(), alertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if stored.Status != domain.StatusResolved || stored.ResolvedBy != ActorSystem {
		t.Fatalf("unexpected resolved alert %+v", stored)
	}
	if stored.Context["resolution_reason"] != ReasonAutoResolution {
		t.Fatalf("resolution reason=%v", stored.Context["resolution_reason"])
	}
	if len(h.orch.ActiveAlerts()) != 0 {
		t.Fatalf("resolved alert must leave cache")
	}
	if h.notifier.count(domain.KindResolution) != 1 {
		t.Fatalf("expected resolution notification")
	}
}

func TestAutoResolveSkipsUnavailableMetric(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.metrics.Set("cpu", 95)
	h.pass(t)

	h.metrics.Delete("cpu")
	h.clock.Advance(10 * time.Minute)
	if result := h.pass(t); result.Resolved != 0 {
		t.Fatalf("missing metric must not resolve alert")
	}
}

func TestAutoEscalationHalvesAgeForCritical(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{},
		testRule("api_down", "api_errors", domain.SeverityCritical, 1),
		testRule("disk_warn", "disk", domain.SeverityLow, 1),
	)
	h.metrics.Set("api_errors", 99)
	h.metrics.Set("disk", 99)
	if created := h.pass(t); len(created.Created) != 2 {
		t.Fatalf("expected two alerts, got %d", len(created.Created))
	}

	h.clock.Advance(31 * time.Minute)
	if result := h.pass(t); result.Escalated != 1 {
		t.Fatalf("critical alert must escalate after 30 minutes, got %+v", result)
	}
	h.clock.Advance(4 * time.Minute)
	if result := h.pass(t); result.Escalated != 0 {
		t.Fatalf("low alert at 35 minutes must not escalate")
	}

	for _, alert := range h.orch.ActiveAlerts() {
		switch alert.RuleID {
		case "api_down":
			if alert.Status != domain.StatusEscalated || alert.Severity != domain.SeverityCritical {
				t.Fatalf("critical alert not escalated: %+v", alert)
			}
		case "disk_warn":
			if alert.Status != domain.StatusTriggered || alert.Severity != domain.SeverityLow {
				t.Fatalf("low alert changed: %+v", alert)
			}
		}
	}
	if h.notifier.count(domain.KindEscalation) != 1 {
		t.Fatalf("expected one escalation notification")
	}
}

func TestAutoEscalationCanBeDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{DisableAutoEscalation: true}, testRule("api_down", "api_errors", domain.SeverityCritical, 1))
	h.metrics.Set("api_errors", 99)
	h.pass(t)
	h.clock.Advance(2 * time.Hour)
	if result := h.pass(t); result.Escalated != 0 {
		t.Fatalf("auto escalation must stay off")
	}
}

func TestManualTransitionsFollowGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.metrics.Set("cpu", 95)
	alertID := h.pass(t).Created[0].ID

	h.clock.Advance(2 * time.Minute)
	if !h.orch.AcknowledgeAlert(ctx, alertID, "alice") {
		t.Fatalf("first acknowledge must succeed")
	}
	if h.orch.AcknowledgeAlert(ctx, alertID, "bob") {
		t.Fatalf("second acknowledge must be rejected")
	}
	if !h.orch.EscalateAlert(ctx, alertID, "customer impact") {
		t.Fatalf("escalate acknowledged high alert must succeed")
	}
	if h.orch.EscalateAlert(ctx, alertID, "again") {
		t.Fatalf("escalating critical alert must be rejected")
	}
	if !h.orch.ResolveAlert(ctx, alertID, "alice", "fixed") {
		t.Fatalf("resolve must succeed")
	}
	if h.orch.ResolveAlert(ctx, alertID, "alice", "fixed") {
		t.Fatalf("second resolve must report no change")
	}
	if h.orch.AcknowledgeAlert(ctx, alertID, "alice") || h.orch.SuppressAlert(ctx, alertID, "noise") {
		t.Fatalf("resolved alert must reject acknowledge and suppress")
	}
	if h.orch.AcknowledgeAlert(ctx, "missing", "alice") {
		t.Fatalf("missing alert must return false")
	}

	stored, _ := h.store.GetAlert(ctx, alertID)
	if stored.Status != domain.StatusResolved || stored.Severity != domain.SeverityCritical || stored.AcknowledgedBy != "alice" {
		t.Fatalf("unexpected stored alert %+v", stored)
	}

	metrics := h.orch.AlertMetrics(h.clock.Now())
	if metrics.EventCounts[EventCreated] != 1 || metrics.EventCounts[EventAcknowledged] != 1 ||
		metrics.EventCounts[EventEscalated] != 1 || metrics.EventCounts[EventResolved] != 1 {
		t.Fatalf("unexpected event counts %+v", metrics.EventCounts)
	}
	if metrics.AcknowledgedSamples != 1 || metrics.AvgAcknowledgeMinutes != 2 {
		t.Fatalf("avg acknowledge minutes=%v samples=%d", metrics.AvgAcknowledgeMinutes, metrics.AcknowledgedSamples)
	}
	if metrics.ActiveTotal != 0 {
		t.Fatalf("no alert should be active, got %d", metrics.ActiveTotal)
	}
}

func TestSuppressAlertUpdatesStoreStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.metrics.Set("cpu", 95)
	alertID := h.pass(t).Created[0].ID

	if !h.orch.SuppressAlert(ctx, alertID, "maintenance window") {
		t.Fatalf("suppress must succeed")
	}
	stored, _ := h.store.GetAlert(ctx, alertID)
	if stored.Status != domain.StatusSuppressed || stored.Context["suppression_reason"] != "maintenance window" {
		t.Fatalf("unexpected stored alert %+v", stored)
	}
	if len(h.orch.ActiveAlerts()) != 0 {
		t.Fatalf("suppressed alert must leave active cache")
	}
}

func TestLookupCachesActiveStoreHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	alert, _ := domain.NewAlert("cpu_high", "external", "", domain.SeverityMedium, nil, testNow)
	if err := h.store.SaveAlert(ctx, alert); err != nil {
		t.Fatalf("save alert: %v", err)
	}
	if len(h.orch.ActiveAlerts()) != 0 {
		t.Fatalf("cache must start empty")
	}
	if !h.orch.AcknowledgeAlert(ctx, alert.ID, "ops") {
		t.Fatalf("acknowledge through store fallback must succeed")
	}
	active := h.orch.ActiveAlerts()
	if len(active) != 1 || active[0].Status != domain.StatusAcknowledged {
		t.Fatalf("store hit must be cached with new status, got %+v", active)
	}
	rules, alerts, rulesAt, alertsAt := h.orch.CacheStatus()
	if rules != 1 || alerts != 1 || !rulesAt.Equal(testNow) || !alertsAt.Equal(testNow) {
		t.Fatalf("unexpected cache status rules=%d alerts=%d rules_at=%v alerts_at=%v", rules, alerts, rulesAt, alertsAt)
	}
}

// gatedAlertStore parks the next SaveAlert until gate is closed.
type gatedAlertStore struct {
	*state.MemoryAlertStore
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedAlertStore) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.gate
	}
	return s.MemoryAlertStore.SaveAlert(ctx, alert)
}

func TestConcurrentTransitionsDoNotLoseUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(testNow)
	metrics := metricsource.NewStatic(map[string]float64{"cpu": 95})
	store := &gatedAlertStore{
		MemoryAlertStore: state.NewMemoryAlertStore(),
		entered:          make(chan struct{}),
		gate:             make(chan struct{}),
	}
	rules := state.NewConfigRules([]domain.AlertRule{testRule("cpu_high", "cpu", domain.SeverityLow, 1)})
	orch := New(evaluator.New(metrics, nil, clk, nil), store, rules, &recordingNotifier{}, Options{}, clk, nil)
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	created := orch.EvaluateAndProcessAlerts(ctx).Created
	if len(created) != 1 {
		t.Fatalf("expected one created alert, got %d", len(created))
	}
	alertID := created[0].ID

	store.armed.Store(true)
	acked := make(chan bool, 1)
	go func() { acked <- orch.AcknowledgeAlert(ctx, alertID, "ops") }()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("acknowledge never reached store")
	}

	escalated := make(chan bool, 1)
	go func() { escalated <- orch.EscalateAlert(ctx, alertID, "customer impact") }()
	select {
	case <-escalated:
		t.Fatalf("escalate must wait for in-flight acknowledge")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.gate)

	if !<-acked {
		t.Fatalf("acknowledge must succeed")
	}
	if !<-escalated {
		t.Fatalf("escalate after acknowledge must succeed")
	}
	stored, err := store.GetAlert(ctx, alertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if stored.Status != domain.StatusEscalated || stored.Severity != domain.SeverityMedium || stored.AcknowledgedBy != "ops" {
		t.Fatalf("both transitions must survive, got status=%s severity=%s acknowledged_by=%q", stored.Status, stored.Severity, stored.AcknowledgedBy)
	}
	active := orch.ActiveAlerts()
	if len(active) != 1 || active[0].Status != domain.StatusEscalated || active[0].Severity != domain.SeverityMedium {
		t.Fatalf("cache must hold merged alert, got %+v", active)
	}
}

func TestEvaluationPassContainsPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{}, testRule("cpu_high", "cpu", domain.SeverityHigh, 1))
	h.notifier.panics = true
	h.metrics.Set("cpu", 95)

	result := h.pass(t)
	if result.Created != nil || result.Results != nil {
		t.Fatalf("panicking pass must return empty result, got %+v", result)
	}
}

func TestLifecycleEventsAreCapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, Options{EventLimit: 3}, testRule("cpu_high", "cpu", domain.SeverityLow, 1))
	h.metrics.Set("cpu", 95)
	alertID := h.pass(t).Created[0].ID
	h.orch.AcknowledgeAlert(ctx, alertID, "ops")
	h.orch.EscalateAlert(ctx, alertID, "slow")
	h.orch.EscalateAlert(ctx, alertID, "slower")
	h.orch.ResolveAlert(ctx, alertID, "ops", "done")

	events := h.orch.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(events))
	}
	if events[0].Type != EventAcknowledged || events[1].Type != EventEscalated || events[2].Type != EventResolved {
		t.Fatalf("oldest events must be dropped first: %+v", events)
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := Options{}.withDefaults()
	if opts.EscalationMaxAgeMinutes != 60 || opts.AutoResolveMinAge != 5*time.Minute || opts.EventLimit != 1000 {
		t.Fatalf("unexpected defaults %+v", opts)
	}
}
