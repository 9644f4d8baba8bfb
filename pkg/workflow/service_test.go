package workflow

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
)

type fakeAgent struct {
	mu      sync.Mutex
	calls   int
	lastReq agentapi.WorkflowRequest
	result  *agentapi.WorkflowResult
	err     error
	status  *agentapi.WorkflowStatus
}

func (f *fakeAgent) RunWorkflow(ctx context.Context, token string, req agentapi.WorkflowRequest) (*agentapi.WorkflowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeAgent) WorkflowStatus(ctx context.Context, token, workflowID string) (*agentapi.WorkflowStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

// blockingAgent holds every run until release is closed and records the
// bearer token each run arrived with.
type blockingAgent struct {
	mu      sync.Mutex
	tokens  []string
	entered chan struct{}
	release chan struct{}
	result  *agentapi.WorkflowResult
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
		result:  twoMatchResult(),
	}
}

func (b *blockingAgent) RunWorkflow(ctx context.Context, token string, req agentapi.WorkflowRequest) (*agentapi.WorkflowResult, error) {
	b.mu.Lock()
	b.tokens = append(b.tokens, token)
	b.mu.Unlock()
	b.entered <- struct{}{}

	select {
	case <-b.release:
		return b.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingAgent) WorkflowStatus(ctx context.Context, token, workflowID string) (*agentapi.WorkflowStatus, error) {
	return nil, errors.New("not used")
}

func (b *blockingAgent) seenTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

type runOutcome struct {
	resp *RunResponse
	err  error
}

func runAsync(svc *Service, ctx context.Context, token string) <-chan runOutcome {
	out := make(chan runOutcome, 1)
	go func() {
		resp, err := svc.Run(ctx, token, RunRequest{PatientID: "P-001"})
		out <- runOutcome{resp, err}
	}()
	return out
}

func waitEntered(t *testing.T, agent *blockingAgent) {
	t.Helper()
	select {
	case <-agent.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never called")
	}
}

// settle gives a second caller time to join the in-flight run.
func settle(t *testing.T, done <-chan runOutcome) {
	t.Helper()
	select {
	case o := <-done:
		t.Fatalf("caller returned before the shared run finished: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// failingUpdateStore rejects patient updates so the write-back must roll back.
type failingUpdateStore struct {
	*docstore.MemoryStore
}

func (s failingUpdateStore) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	return nil, apperr.Upstream("document store", http.StatusServiceUnavailable, "write rejected")
}

func testConfig() config.Config {
	return config.Config{
		DedupTTL: time.Minute,
		Collections: config.Collections{
			Patients: "patient_info_collection",
			Trials:   "trial_info",
			Matches:  "match_info",
			Summary:  "summaries",
			Metrics:  "processing_metrics",
		},
	}
}

func twoMatchResult() *agentapi.WorkflowResult {
	return &agentapi.WorkflowResult{
		WorkflowID:         "wf-42",
		Status:             agentapi.StatusCompleted,
		MatchedTrialsCount: 2,
		TrialMatches: []agentapi.TrialMatchResult{
			{TrialID: "NCT001", ConfidenceScore: 0.91, Rationale: "EGFR positive"},
			{TrialID: "NCT002", ConfidenceScore: 0.74, MatchReason: "ECOG 1"},
		},
		Summary: &agentapi.SummaryResult{TrialID: "NCT001", Content: "Strong candidate"},
	}
}

func seedPatient(t *testing.T, store docstore.Store) models.Document {
	t.Helper()
	doc, err := store.Create(context.Background(), "patient_info_collection", models.Document{
		"patient_id": "P-001",
		"age":        61,
		"condition":  "NSCLC",
	})
	if err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	return doc
}

func newTestService(store docstore.Store, agent Agent, pub *recordingPublisher) *Service {
	svc := NewService(testConfig(), agent, store, NewMemoryLocker(), pub)
	svc.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestRunWritesBackMatchesAndPatient(t *testing.T) {
	store := docstore.NewMemoryStore()
	patient := seedPatient(t, store)
	agent := &fakeAgent{result: twoMatchResult()}
	pub := &recordingPublisher{}
	svc := newTestService(store, agent, pub)

	resp, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-001"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !resp.Success || resp.WorkflowID != "wf-42" || resp.Status != agentapi.StatusCompleted {
		t.Fatalf("unexpected response %+v", resp)
	}
	if agent.lastReq.WorkflowType != DefaultWorkflowType {
		t.Fatalf("expected default workflow type, got %q", agent.lastReq.WorkflowType)
	}
	if agent.lastReq.PatientData.String("patient_id") != "P-001" {
		t.Fatalf("patient data not forwarded: %v", agent.lastReq.PatientData)
	}

	updated, err := store.Get(context.Background(), "patient_info_collection", patient.ID())
	if err != nil {
		t.Fatalf("get patient: %v", err)
	}
	if updated["matched"] != true || updated["matched_trials_count"] != float64(2) {
		t.Fatalf("patient not updated: %v", updated)
	}

	matches, total, _ := store.List(context.Background(), "match_info", nil)
	if total != 2 {
		t.Fatalf("expected exactly 2 matches, got %d", total)
	}
	seen := map[string]bool{}
	for _, m := range matches {
		id := m.String("match_id")
		if id == "" || seen[id] {
			t.Fatalf("match ids must be unique and non-empty: %v", matches)
		}
		seen[id] = true
	}
	if _, ok := seen[MatchID("P-001", "NCT001", "2026-03-01T12:00:00Z")]; !ok {
		t.Fatalf("match id not derived from patient, trial and timestamp: %v", seen)
	}

	summaries, _, _ := store.List(context.Background(), "summaries", nil)
	if len(summaries) != 1 || summaries[0].String("summary_id") != SummaryID("wf-42") {
		t.Fatalf("unexpected summaries %v", summaries)
	}

	if len(pub.events) != 1 || pub.events[0] != models.EventWorkflowCompleted {
		t.Fatalf("expected one workflow event, got %v", pub.events)
	}
}

func TestRunWriteBackIsIdempotent(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedPatient(t, store)
	svc := newTestService(store, &fakeAgent{result: twoMatchResult()}, &recordingPublisher{})

	for i := 0; i < 2; i++ {
		if _, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-001"}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if _, total, _ := store.List(context.Background(), "match_info", nil); total != 2 {
		t.Fatalf("expected 2 matches after replay, got %d", total)
	}
	if _, total, _ := store.List(context.Background(), "summaries", nil); total != 1 {
		t.Fatalf("expected 1 summary after replay, got %d", total)
	}
}

func TestRunFallsBackToDocumentID(t *testing.T) {
	store := docstore.NewMemoryStore()
	doc, _ := store.Create(context.Background(), "patient_info_collection", models.Document{"name": "no business key"})
	agent := &fakeAgent{result: &agentapi.WorkflowResult{WorkflowID: "wf-1", Status: agentapi.StatusCompleted}}
	svc := newTestService(store, agent, &recordingPublisher{})

	if _, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: doc.ID()}); err != nil {
		t.Fatalf("run: %v", err)
	}
	updated, _ := store.Get(context.Background(), "patient_info_collection", doc.ID())
	if updated["matched"] != false || updated["status"] != agentapi.StatusCompleted {
		t.Fatalf("unexpected patient %v", updated)
	}
}

func TestRunUnknownPatient(t *testing.T) {
	agent := &fakeAgent{result: twoMatchResult()}
	svc := newTestService(docstore.NewMemoryStore(), agent, &recordingPublisher{})

	_, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-404"})
	if apperr.Status(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if agent.calls != 0 {
		t.Fatal("agent must not be called for an unknown patient")
	}
}

func TestRunRequiresPatientID(t *testing.T) {
	svc := newTestService(docstore.NewMemoryStore(), &fakeAgent{}, &recordingPublisher{})
	_, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "  "})
	if apperr.Status(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestRunFailedWorkflowWritesNothing(t *testing.T) {
	store := docstore.NewMemoryStore()
	patient := seedPatient(t, store)
	failed := twoMatchResult()
	failed.Status = agentapi.StatusFailed
	failed.Error = "agent crashed"
	pub := &recordingPublisher{}
	svc := newTestService(store, &fakeAgent{result: failed}, pub)

	_, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-001"})
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, total, _ := store.List(context.Background(), "match_info", nil); total != 0 {
		t.Fatalf("expected no matches, got %d", total)
	}
	unchanged, _ := store.Get(context.Background(), "patient_info_collection", patient.ID())
	if _, ok := unchanged["matched"]; ok {
		t.Fatalf("patient must not be updated: %v", unchanged)
	}
	if len(pub.events) != 0 {
		t.Fatalf("no event expected, got %v", pub.events)
	}
}

func TestRunCompensatesOnWriteBackFailure(t *testing.T) {
	mem := docstore.NewMemoryStore()
	seedPatient(t, mem)
	svc := newTestService(failingUpdateStore{mem}, &fakeAgent{result: twoMatchResult()}, &recordingPublisher{})

	_, err := svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-001"})
	if apperr.Status(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	if _, total, _ := mem.List(context.Background(), "match_info", nil); total != 0 {
		t.Fatalf("matches must be rolled back, found %d", total)
	}
	if _, total, _ := mem.List(context.Background(), "summaries", nil); total != 0 {
		t.Fatalf("summary must be rolled back, found %d", total)
	}
}

func TestRunConflictWhenLocked(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedPatient(t, store)
	locker := NewMemoryLocker()
	svc := NewService(testConfig(), &fakeAgent{result: twoMatchResult()}, store, locker, &recordingPublisher{})

	release, err := locker.Acquire(context.Background(), lockKey("P-001", DefaultWorkflowType), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release(context.Background())

	_, err = svc.Run(context.Background(), "tok", RunRequest{PatientID: "P-001"})
	if apperr.Status(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Now()
	locker.nowFn = func() time.Time { return now }

	release, err := locker.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "k", time.Second); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	now = now.Add(2 * time.Second)
	releaseB, err := locker.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimed: %v", err)
	}

	// The stale holder must not drop the new lease.
	_ = release(context.Background())
	if _, err := locker.Acquire(context.Background(), "k", time.Second); !errors.Is(err, ErrLocked) {
		t.Fatalf("stale release removed the new lease: %v", err)
	}
	_ = releaseB(context.Background())
}

func TestStatus(t *testing.T) {
	agent := &fakeAgent{status: &agentapi.WorkflowStatus{Status: agentapi.StatusRunning, Progress: 0.5, CurrentStep: "eligibility"}}
	svc := newTestService(docstore.NewMemoryStore(), agent, &recordingPublisher{})

	resp, err := svc.Status(context.Background(), "tok", StatusRequest{WorkflowID: "wf-1"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !resp.Success || resp.Status != agentapi.StatusRunning || resp.Progress != 0.5 || resp.CurrentStep != "eligibility" {
		t.Fatalf("unexpected status %+v", resp)
	}

	if _, err := svc.Status(context.Background(), "tok", StatusRequest{}); apperr.Status(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestRunCoalescesSameCaller(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedPatient(t, store)
	agent := newBlockingAgent()
	svc := newTestService(store, agent, &recordingPublisher{})

	first := runAsync(svc, context.Background(), "token-user-A")
	waitEntered(t, agent)
	second := runAsync(svc, context.Background(), "token-user-A")
	settle(t, second)
	close(agent.release)

	for _, done := range []<-chan runOutcome{first, second} {
		o := <-done
		if o.err != nil || o.resp.WorkflowID != "wf-42" {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	if got := agent.seenTokens(); len(got) != 1 {
		t.Fatalf("expected one shared agent call, got %v", got)
	}
	if _, total, _ := store.List(context.Background(), "match_info", nil); total != 2 {
		t.Fatalf("expected 2 matches, got %d", total)
	}
}

func TestRunDoesNotShareAcrossCallers(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedPatient(t, store)
	agent := newBlockingAgent()
	svc := newTestService(store, agent, &recordingPublisher{})

	first := runAsync(svc, context.Background(), "token-user-A")
	waitEntered(t, agent)

	_, err := svc.Run(context.Background(), "token-user-B", RunRequest{PatientID: "P-001"})
	if apperr.Status(err) != http.StatusConflict {
		t.Fatalf("second caller must get 409 while the first run holds the lock, got %v", err)
	}

	close(agent.release)
	if o := <-first; o.err != nil {
		t.Fatalf("first caller: %v", o.err)
	}
	if got := agent.seenTokens(); !reflect.DeepEqual(got, []string{"token-user-A"}) {
		t.Fatalf("agent saw tokens %v", got)
	}

	// Once the lock is free the other caller runs with its own token.
	agent.release = make(chan struct{})
	close(agent.release)
	if _, err := svc.Run(context.Background(), "token-user-B", RunRequest{PatientID: "P-001"}); err != nil {
		t.Fatalf("second caller after release: %v", err)
	}
	if got := agent.seenTokens(); !reflect.DeepEqual(got, []string{"token-user-A", "token-user-B"}) {
		t.Fatalf("agent saw tokens %v", got)
	}
}

func TestRunSurvivesStartingCallerCancel(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedPatient(t, store)
	agent := newBlockingAgent()
	svc := newTestService(store, agent, &recordingPublisher{})

	ctxA, cancelA := context.WithCancel(context.Background())
	first := runAsync(svc, ctxA, "token-user-A")
	waitEntered(t, agent)
	second := runAsync(svc, context.Background(), "token-user-A")
	settle(t, second)

	cancelA()
	if o := <-first; !errors.Is(o.err, context.Canceled) {
		t.Fatalf("cancelled caller should see context.Canceled, got %+v", o)
	}

	close(agent.release)
	o := <-second
	if o.err != nil || o.resp.WorkflowID != "wf-42" {
		t.Fatalf("waiting caller must still get the result, got %+v", o)
	}
	if _, total, _ := store.List(context.Background(), "match_info", nil); total != 2 {
		t.Fatalf("write-back must complete, got %d matches", total)
	}
}
