package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"auditengine/internal/audit"
	"auditengine/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	called bool
	cfg    audit.RetentionConfig
	retErr error
}

func (f *fakeRunner) ApplyPolicies(ctx context.Context, cfg audit.RetentionConfig) ([]audit.CleanupResult, error) {
	f.called = true
	f.cfg = cfg
	return []audit.CleanupResult{{Policy: "default", Deleted: 3}}, f.retErr
}

var retentionCfg = audit.RetentionConfig{
	DefaultDays: 180,
	Policies: []audit.RetentionPolicy{
		{Name: "login_failures", RetentionDays: 30, Operation: "LOGIN", Status: "FAILURE"},
		{Name: "queries", RetentionDays: 7, Operation: "QUERY"},
	},
}

func TestRetentionHandler_AllPolicies(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRetentionHandler(runner, retentionCfg, zaptest.NewLogger(t))
	task := asynq.NewTask(tasks.TypeRetentionCleanup, nil)
	if err := h.HandleRetentionCleanup(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !runner.called || len(runner.cfg.Policies) != 2 {
		t.Fatalf("runner not invoked with all policies: called=%v policies=%d", runner.called, len(runner.cfg.Policies))
	}
}

func TestRetentionHandler_SelectedPolicy(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRetentionHandler(runner, retentionCfg, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.RetentionCleanupPayload{Policies: []string{"queries"}})
	if err := h.HandleRetentionCleanup(context.Background(), asynq.NewTask(tasks.TypeRetentionCleanup, payload)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(runner.cfg.Policies) != 1 || runner.cfg.Policies[0].Name != "queries" {
		t.Fatalf("unexpected policies: %+v", runner.cfg.Policies)
	}
	if runner.cfg.DefaultDays != 180 {
		t.Fatalf("default days should be kept, got %d", runner.cfg.DefaultDays)
	}
}

func TestRetentionHandler_UnknownPolicySkipsRetry(t *testing.T) {
	runner := &fakeRunner{}
	h := NewRetentionHandler(runner, retentionCfg, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.RetentionCleanupPayload{Policies: []string{"nope"}})
	err := h.HandleRetentionCleanup(context.Background(), asynq.NewTask(tasks.TypeRetentionCleanup, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if runner.called {
		t.Fatalf("runner should not be called for unknown policy")
	}
}

func TestRetentionHandler_RunError(t *testing.T) {
	expectedErr := errors.New("boom")
	h := NewRetentionHandler(&fakeRunner{retErr: expectedErr}, retentionCfg, zaptest.NewLogger(t))
	err := h.HandleRetentionCleanup(context.Background(), asynq.NewTask(tasks.TypeRetentionCleanup, nil))
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

type fakeDetector struct {
	caller   audit.Caller
	types    []audit.AnomalyType
	findings []audit.AnomalyFinding
	retErr   error
}

func (f *fakeDetector) Detect(ctx context.Context, c audit.Caller, cfg audit.DetectorConfig, types ...audit.AnomalyType) ([]audit.AnomalyFinding, error) {
	f.caller = c
	f.types = types
	return f.findings, f.retErr
}

func TestAnomalyScanHandler_Success(t *testing.T) {
	det := &fakeDetector{findings: []audit.AnomalyFinding{
		{Type: audit.AnomalyLogin, RiskLevel: audit.RiskHigh, Actor: "alice", RelatedEventIDs: []uint64{1, 2}},
		{Type: audit.AnomalyFrequency, RiskLevel: audit.RiskMedium, Actor: "bob"},
	}}
	h := NewAnomalyScanHandler(det, audit.DefaultDetectorConfig(), zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.AnomalyScanPayload{Types: []string{"login", "frequency"}})
	if err := h.HandleAnomalyScan(context.Background(), asynq.NewTask(tasks.TypeAnomalyScan, payload)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !det.caller.IsAdmin() {
		t.Fatalf("scan must run with admin caller, got %+v", det.caller)
	}
	if len(det.types) != 2 || det.types[0] != audit.AnomalyLogin || det.types[1] != audit.AnomalyFrequency {
		t.Fatalf("unexpected types: %v", det.types)
	}
}

func TestAnomalyScanHandler_InvalidType(t *testing.T) {
	det := &fakeDetector{}
	h := NewAnomalyScanHandler(det, audit.DefaultDetectorConfig(), zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.AnomalyScanPayload{Types: []string{"weather"}})
	if err := h.HandleAnomalyScan(context.Background(), asynq.NewTask(tasks.TypeAnomalyScan, payload)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestAnomalyScanHandler_InvalidPayload(t *testing.T) {
	det := &fakeDetector{}
	h := NewAnomalyScanHandler(det, audit.DefaultDetectorConfig(), zaptest.NewLogger(t))
	if err := h.HandleAnomalyScan(context.Background(), asynq.NewTask(tasks.TypeAnomalyScan, []byte("not-json"))); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}
