package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunRequest starts one pipeline run for a session. File records carried in
// the body hydrate the session before the drain wait, so callers whose
// uploads completed in an earlier process still get a populated run.
type RunRequest struct {
	SessionID      string       `json:"session_id"`
	Message        string       `json:"message"`
	Scenario       string       `json:"scenario"`
	History        []ChatTurn   `json:"history"`
	ReferenceFiles []FileRecord `json:"reference_files"`
	TargetFiles    []FileRecord `json:"target_files"`
}

// Pipeline runs the three audit stages in strict sequence: Strategist
// derives a rule set from the references, Auditor checks each target
// against it, Verifier cross-checks the findings and compiles the report.
// Each stage's artifact is immutable once produced; the only durable side
// effect of a run is the summary written after the Verifier.
type Pipeline struct {
	svc *Service
	gen Generator
	log zerolog.Logger
}

func NewPipeline(svc *Service, gen Generator, log zerolog.Logger) *Pipeline {
	return &Pipeline{svc: svc, gen: gen, log: log}
}

// Run executes one full pipeline run, emitting progress events in the
// documented order. A drain or Verifier failure emits a terminal error
// event in place of the remaining sequence and returns the error.
func (p *Pipeline) Run(ctx context.Context, req RunRequest, emit EmitFunc) error {
	runID := uuid.NewString()
	log := p.log.With().Str("run", runID).Str("session", req.SessionID).Logger()

	scenario := strings.TrimSpace(req.Scenario)
	if scenario == "" {
		scenario = "Universal Audit"
	}

	p.hydrateSession(req)

	if err := emit(Event{Step: StepInit, Status: StatusVerifyingUploads}); err != nil {
		return err
	}
	if err := p.svc.WaitForUploads(ctx, req.SessionID); err != nil {
		log.Error().Err(err).Msg("upload drain failed")
		_ = emit(Event{Error: err.Error()})
		return err
	}

	sess := p.svc.SessionDetails(req.SessionID)
	refs := uploadedOnly(sess.Reference)
	targets := uploadedOnly(sess.Target)
	log.Debug().Int("references", len(refs)).Int("targets", len(targets)).Msg("run starting")

	if err := emit(Event{Step: StepInit, Status: StatusStarted}); err != nil {
		return err
	}

	// Stage 1: Strategist. A call failure or empty result degrades to a
	// synthesized rule set; stage 2 never starts with zero rules.
	if err := emit(Event{Step: StepStrategist, Status: StatusRunning}); err != nil {
		return err
	}
	rules := p.runStrategist(ctx, log, scenario, req.Message, req.History, refs)
	log.Debug().Int("rules", len(rules)).Msg("strategist done")
	if err := emit(Event{Step: StepStrategist, Status: StatusCompleted}); err != nil {
		return err
	}

	// Stage 2: Auditor, once per target. A failing target contributes no
	// findings but never aborts its siblings.
	if err := emit(Event{Step: StepAuditor, Status: StatusRunning}); err != nil {
		return err
	}
	findings := p.runAuditor(ctx, log, rules, targets)
	log.Debug().Int("findings", len(findings)).Msg("auditor done")
	if err := emit(Event{Step: StepAuditor, Status: StatusCompleted}); err != nil {
		return err
	}

	// Stage 3: Verifier. Its failure is the run's terminal error; no report
	// is persisted.
	if err := emit(Event{Step: StepVerifier, Status: StatusRunning}); err != nil {
		return err
	}
	report, err := p.runVerifier(ctx, findings, refs)
	if err != nil {
		log.Error().Err(err).Msg("verifier failed")
		_ = emit(Event{Error: err.Error()})
		return err
	}
	if err := emit(Event{Step: StepVerifier, Status: StatusCompleted}); err != nil {
		return err
	}
	if err := emit(Event{Step: StepFinal, Content: report}); err != nil {
		return err
	}

	p.svc.UpdateSummary(req.SessionID, report)
	p.persistHistory(req, report)
	log.Debug().Msg("run complete")
	return nil
}

// hydrateSession merges already-uploaded records from the request body into
// the session document, deduplicated by URI.
func (p *Pipeline) hydrateSession(req RunRequest) {
	for _, f := range req.ReferenceFiles {
		if f.URI == "" {
			continue
		}
		p.svc.AddFileToSession(req.SessionID, FileRecord{Name: f.Name, URI: f.URI, Kind: KindReference, Status: StatusUploaded})
	}
	for _, f := range req.TargetFiles {
		if f.URI == "" {
			continue
		}
		p.svc.AddFileToSession(req.SessionID, FileRecord{Name: f.Name, URI: f.URI, Kind: KindTarget, Status: StatusUploaded})
	}
}

func (p *Pipeline) runStrategist(ctx context.Context, log zerolog.Logger, scenario, query string, history []ChatTurn, refs []FileRecord) []AuditRule {
	var rules []AuditRule
	err := p.gen.GenerateJSON(ctx, GenRequest{
		FileURIs: uris(refs),
		Prompt:   strategistPrompt(scenario, query, len(refs), history),
	}, &rules)
	if err != nil {
		log.Error().Err(err).Msg("strategist call failed, synthesizing rules")
		rules = nil
	}
	if len(rules) == 0 {
		rules = fallbackRules(scenario)
	}
	return rules
}

func fallbackRules(scenario string) []AuditRule {
	return []AuditRule{
		{RuleID: "GEN-001", Description: fmt.Sprintf("General compliance check for %s", scenario), Severity: "High"},
		{RuleID: "GEN-002", Description: "Required fields and identifying information are present and complete", Severity: "Medium"},
		{RuleID: "GEN-003", Description: "Figures, dates and cross-references are internally consistent", Severity: "Medium"},
	}
}

func (p *Pipeline) runAuditor(ctx context.Context, log zerolog.Logger, rules []AuditRule, targets []FileRecord) []Finding {
	rulesJSON := mustJSON(rules)
	var all []Finding
	for _, target := range targets {
		var found []Finding
		err := p.gen.GenerateJSON(ctx, GenRequest{
			FileURIs: []string{target.URI},
			Prompt:   auditorPrompt(rulesJSON, target.Name),
		}, &found)
		if err != nil {
			log.Error().Err(err).Str("target", target.Name).Msg("auditor call failed, skipping target")
			continue
		}
		for i := range found {
			if found[i].FileName == "" {
				found[i].FileName = target.Name
			}
			found[i].Status = FindingStatus(strings.ToLower(string(found[i].Status)))
		}
		all = append(all, found...)
	}
	return all
}

func (p *Pipeline) runVerifier(ctx context.Context, findings []Finding, refs []FileRecord) (string, error) {
	if findings == nil {
		findings = []Finding{}
	}
	report, err := p.gen.GenerateText(ctx, GenRequest{
		FileURIs: uris(refs),
		Prompt:   verifierPrompt(mustJSON(findings)),
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(report) == "" {
		// The service tolerates empty output; the run contract does not.
		report = fallbackReport(findings)
	}
	return report, nil
}

func fallbackReport(findings []Finding) string {
	var pass, fail, warn int
	for _, f := range findings {
		switch f.Status {
		case FindingFail:
			fail++
		case FindingWarning:
			warn++
		default:
			pass++
		}
	}
	outcome := "PASS"
	if fail > 0 {
		outcome = "FAIL"
	} else if warn > 0 {
		outcome = "RISK DETECTED"
	}
	return fmt.Sprintf("# Audit Report\n\n**Outcome**: %s\n\nFindings: %d pass, %d fail, %d warning.",
		outcome, pass, fail, warn)
}

// persistHistory appends the finished turn to the session, best-effort.
func (p *Pipeline) persistHistory(req RunRequest, report string) {
	sess := p.svc.SessionDetails(req.SessionID)
	history := append(sess.History,
		ChatTurn{Role: "user", Content: req.Message},
		ChatTurn{Role: "assistant", Content: report},
	)
	if err := p.svc.Store().Upsert(req.SessionID, SessionPatch{History: &history}); err != nil {
		p.log.Error().Err(err).Str("session", req.SessionID).Msg("history write failed")
	}
}

func uploadedOnly(records []FileRecord) []FileRecord {
	out := make([]FileRecord, 0, len(records))
	for _, r := range records {
		if r.Status == StatusUploaded {
			out = append(out, r)
		}
	}
	return out
}

func uris(records []FileRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.URI)
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
