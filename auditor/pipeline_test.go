package auditor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type jsonScript struct {
	payload string
	err     error
}

type mockGenerator struct {
	mu        sync.Mutex
	jsonQueue []jsonScript
	text      string
	textErr   error
	jsonReqs  []GenRequest
	textReqs  []GenRequest
}

func (m *mockGenerator) GenerateJSON(ctx context.Context, req GenRequest, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsonReqs = append(m.jsonReqs, req)
	if len(m.jsonQueue) == 0 {
		return nil
	}
	script := m.jsonQueue[0]
	m.jsonQueue = m.jsonQueue[1:]
	if script.err != nil {
		return script.err
	}
	if strings.TrimSpace(script.payload) == "" {
		return nil
	}
	return json.Unmarshal([]byte(script.payload), out)
}

func (m *mockGenerator) GenerateText(ctx context.Context, req GenRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textReqs = append(m.textReqs, req)
	return m.text, m.textErr
}

func (m *mockGenerator) JSONCalls() []GenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenRequest, len(m.jsonReqs))
	copy(out, m.jsonReqs)
	return out
}

func (m *mockGenerator) TextCalls() []GenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenRequest, len(m.textReqs))
	copy(out, m.textReqs)
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, *Service, *mockGenerator) {
	t.Helper()
	svc, _ := newTestService(t)
	gen := &mockGenerator{}
	return NewPipeline(svc, gen, zerolog.Nop()), svc, gen
}

func collector() (EmitFunc, *[]Event) {
	var events []Event
	return func(ev Event) error {
		events = append(events, ev)
		return nil
	}, &events
}

func ref(name, uri string) FileRecord {
	return FileRecord{Name: name, URI: uri, Kind: KindReference, Status: StatusUploaded}
}

func target(name, uri string) FileRecord {
	return FileRecord{Name: name, URI: uri, Kind: KindTarget, Status: StatusUploaded}
}

func TestRun_EventSequence(t *testing.T) {
	pipe, svc, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{
		{payload: `[{"rule_id":"R1","description":"amount under 1000","severity":"High"}]`},
		{payload: `[{"rule_id":"R1","description":"amount under 1000","status":"fail","evidence":"amount: 1500","file_name":"invoice.pdf"}]`},
	}
	gen.text = "# Audit Report\n\n**Outcome**: FAIL"

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID:      "s1",
		Message:        "check the invoice",
		ReferenceFiles: []FileRecord{ref("policy.pdf", "files/policy"), ref("codes.pdf", "files/codes")},
		TargetFiles:    []FileRecord{target("invoice.pdf", "files/invoice")},
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	want := []Event{
		{Step: StepInit, Status: StatusVerifyingUploads},
		{Step: StepInit, Status: StatusStarted},
		{Step: StepStrategist, Status: StatusRunning},
		{Step: StepStrategist, Status: StatusCompleted},
		{Step: StepAuditor, Status: StatusRunning},
		{Step: StepAuditor, Status: StatusCompleted},
		{Step: StepVerifier, Status: StatusRunning},
		{Step: StepVerifier, Status: StatusCompleted},
		{Step: StepFinal, Content: "# Audit Report\n\n**Outcome**: FAIL"},
	}
	if len(*events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(*events), *events)
	}
	for i, w := range want {
		if (*events)[i] != w {
			t.Fatalf("event %d: expected %+v, got %+v", i, w, (*events)[i])
		}
	}

	if sess := svc.SessionDetails("s1"); sess.Summary != gen.text {
		t.Fatalf("expected summary persisted, got %q", sess.Summary)
	}
}

func TestRun_PolicyScenarioFlowsEvidenceToVerifier(t *testing.T) {
	pipe, _, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{
		{payload: `[{"rule_id":"R1","description":"amount must be under 1000","severity":"High"}]`},
		{payload: `[{"rule_id":"R1","description":"amount must be under 1000","status":"Fail","evidence":"amount: 1500","file_name":"invoice.pdf"}]`},
	}
	gen.text = "**Outcome**: FAIL — invoice.pdf violates R1"

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID:      "s1",
		ReferenceFiles: []FileRecord{ref("policy.pdf", "files/policy")},
		TargetFiles:    []FileRecord{target("invoice.pdf", "files/invoice")},
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	texts := gen.TextCalls()
	if len(texts) != 1 {
		t.Fatalf("expected 1 verifier call, got %d", len(texts))
	}
	prompt := texts[0].Prompt
	if !strings.Contains(prompt, `"rule_id":"R1"`) || !strings.Contains(prompt, "1500") {
		t.Fatalf("expected finding with evidence in verifier input, got: %s", prompt)
	}
	// Auditor statuses are normalized to lowercase before stage 3.
	if !strings.Contains(prompt, `"status":"fail"`) {
		t.Fatalf("expected normalized fail status, got: %s", prompt)
	}

	final := (*events)[len(*events)-1]
	if final.Step != StepFinal || !strings.Contains(final.Content, "FAIL") {
		t.Fatalf("expected failing outcome in final content, got %+v", final)
	}
}

func TestRun_NoFilesStillProducesRulesAndReport(t *testing.T) {
	pipe, svc, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{{payload: `[]`}} // strategist returns empty
	gen.text = ""                                 // verifier returns empty too

	emit, events := collector()
	if err := pipe.Run(context.Background(), RunRequest{SessionID: "s1", Scenario: "Tax Audit"}, emit); err != nil {
		t.Fatal(err)
	}

	final := (*events)[len(*events)-1]
	if final.Step != StepFinal || strings.TrimSpace(final.Content) == "" {
		t.Fatalf("expected non-empty report, got %+v", final)
	}
	if sess := svc.SessionDetails("s1"); strings.TrimSpace(sess.Summary) == "" {
		t.Fatal("expected fallback report persisted as summary")
	}
}

func TestRun_StrategistFailureSynthesizesScenarioRules(t *testing.T) {
	pipe, _, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{
		{err: errors.New("generation unavailable")}, // strategist
		{payload: `[]`},                             // auditor for the single target
	}
	gen.text = "report"

	emit, _ := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID:   "s1",
		Scenario:    "Tax Audit",
		TargetFiles: []FileRecord{target("t.pdf", "files/t")},
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	calls := gen.JSONCalls()
	if len(calls) != 2 {
		t.Fatalf("expected strategist+auditor calls, got %d", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "GEN-001") || !strings.Contains(calls[1].Prompt, "Tax Audit") {
		t.Fatalf("expected synthesized scenario rules in auditor input, got: %s", calls[1].Prompt)
	}
}

func TestRun_OneFailingTargetDoesNotAbortOthers(t *testing.T) {
	pipe, _, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{
		{payload: `[{"rule_id":"R1","description":"check","severity":"High"}]`},
		{payload: `[{"rule_id":"R1","description":"check","status":"pass","evidence":"ok-a","file_name":"a.pdf"}]`},
		{err: errors.New("target b unreadable")},
		{payload: `[{"rule_id":"R1","description":"check","status":"pass","evidence":"ok-c","file_name":"c.pdf"}]`},
	}
	gen.text = "report"

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID: "s1",
		TargetFiles: []FileRecord{
			target("a.pdf", "files/a"),
			target("b.pdf", "files/b"),
			target("c.pdf", "files/c"),
		},
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	texts := gen.TextCalls()
	if len(texts) != 1 {
		t.Fatalf("expected run to reach verifier, got %d text calls", len(texts))
	}
	prompt := texts[0].Prompt
	if !strings.Contains(prompt, "ok-a") || !strings.Contains(prompt, "ok-c") {
		t.Fatalf("expected findings from surviving targets, got: %s", prompt)
	}
	if strings.Contains(prompt, "b.pdf") {
		t.Fatalf("expected no findings from failing target, got: %s", prompt)
	}
	for _, ev := range *events {
		if ev.Error != "" {
			t.Fatalf("per-target failure must not surface as run error: %+v", ev)
		}
	}
}

func TestRun_EmptyTargetListCompletesAuditorAndProceeds(t *testing.T) {
	pipe, _, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{{payload: `[{"rule_id":"R1","description":"check","severity":"Low"}]`}}
	gen.text = "general report"

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID:      "s1",
		ReferenceFiles: []FileRecord{ref("policy.pdf", "files/policy")},
	}, emit)
	if err != nil {
		t.Fatal(err)
	}

	if len(gen.JSONCalls()) != 1 {
		t.Fatalf("expected no auditor calls without targets, got %d json calls", len(gen.JSONCalls()))
	}
	sawAuditorCompleted := false
	for _, ev := range *events {
		if ev.Step == StepAuditor && ev.Status == StatusCompleted {
			sawAuditorCompleted = true
		}
	}
	if !sawAuditorCompleted {
		t.Fatal("expected auditor stage to complete on empty target list")
	}
	if (*events)[len(*events)-1].Content != "general report" {
		t.Fatalf("expected verifier output, got %+v", (*events)[len(*events)-1])
	}
}

func TestRun_DrainTimeoutAbortsBeforeStrategist(t *testing.T) {
	pipe, svc, gen := newTestPipeline(t)
	stuck := []FileRecord{{Name: "stuck.pdf", Kind: KindReference, Status: StatusUploading, LocalPath: "/tmp/stuck.pdf"}}
	if err := svc.Store().Upsert("s1", SessionPatch{Reference: &stuck}); err != nil {
		t.Fatal(err)
	}

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{SessionID: "s1"}, emit)
	if !errors.Is(err, ErrUploadTimeout) {
		t.Fatalf("expected ErrUploadTimeout, got %v", err)
	}

	if len(gen.JSONCalls()) != 0 || len(gen.TextCalls()) != 0 {
		t.Fatal("no stage may run after a drain timeout")
	}
	last := (*events)[len(*events)-1]
	if last.Error == "" {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	for _, ev := range *events {
		if ev.Step == StepStrategist {
			t.Fatal("strategist events must not appear after a drain timeout")
		}
	}
}

func TestRun_FailedUploadAbortsRun(t *testing.T) {
	pipe, svc, _ := newTestPipeline(t)
	failed := []FileRecord{{Name: "broken.pdf", Kind: KindTarget, Status: StatusFailed, ErrorMessage: "remote rejected"}}
	if err := svc.Store().Upsert("s1", SessionPatch{Target: &failed}); err != nil {
		t.Fatal(err)
	}

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{SessionID: "s1"}, emit)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	last := (*events)[len(*events)-1]
	if !strings.Contains(last.Error, "broken.pdf") {
		t.Fatalf("expected error event naming the file, got %+v", last)
	}
}

func TestRun_VerifierFailureEmitsErrorAndSkipsSummary(t *testing.T) {
	pipe, svc, gen := newTestPipeline(t)
	gen.jsonQueue = []jsonScript{{payload: `[{"rule_id":"R1","description":"check","severity":"High"}]`}}
	gen.textErr = errors.New("verifier exploded")

	emit, events := collector()
	err := pipe.Run(context.Background(), RunRequest{
		SessionID:      "s1",
		ReferenceFiles: []FileRecord{ref("policy.pdf", "files/policy")},
	}, emit)
	if err == nil {
		t.Fatal("expected verifier failure to propagate")
	}

	last := (*events)[len(*events)-1]
	if !strings.Contains(last.Error, "verifier exploded") {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	for _, ev := range *events {
		if ev.Step == StepFinal {
			t.Fatal("no final content may be emitted after a verifier failure")
		}
		if ev.Step == StepVerifier && ev.Status == StatusCompleted {
			t.Fatal("verifier must not report completed after failing")
		}
	}
	if sess := svc.SessionDetails("s1"); sess.Summary != "" {
		t.Fatalf("no summary may be persisted after a verifier failure, got %q", sess.Summary)
	}
}

func TestRun_HydratesSessionFromRequestBody(t *testing.T) {
	pipe, svc, gen := newTestPipeline(t)
	gen.text = "report"

	emit, _ := collector()
	req := RunRequest{
		SessionID:      "s1",
		ReferenceFiles: []FileRecord{ref("policy.pdf", "files/policy"), ref("policy.pdf", "files/policy")},
	}
	if err := pipe.Run(context.Background(), req, emit); err != nil {
		t.Fatal(err)
	}

	sess := svc.SessionDetails("s1")
	if len(sess.Reference) != 1 {
		t.Fatalf("expected hydration deduped by uri, got %+v", sess.Reference)
	}
	if len(sess.History) != 2 {
		t.Fatalf("expected run to append one turn pair, got %+v", sess.History)
	}
}
