// Package chat runs the assistant pipeline for one question at a time and
// exposes it over HTTP. Each run is a cancellable task that publishes its
// progress on a channel; transports only relay those events.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/domain/consent"
	"github.com/ehr/assistant/internal/domain/deid"
	"github.com/ehr/assistant/internal/domain/guard"
	"github.com/ehr/assistant/internal/domain/intent"
	"github.com/ehr/assistant/internal/domain/minimum"
	"github.com/ehr/assistant/internal/domain/progress"
	"github.com/ehr/assistant/internal/domain/prompt"
	"github.com/ehr/assistant/internal/domain/records"
	"github.com/ehr/assistant/internal/domain/scope"
	"github.com/ehr/assistant/internal/platform/knowledge"
	"github.com/ehr/assistant/internal/platform/taskbus"
	"github.com/ehr/assistant/internal/platform/telemetry"
)

const MaxQueryLength = 4000

var ErrInvalidQuery = errors.New("query must be between 1 and 4000 characters")

// Generator produces answer text from an assembled context.
type Generator interface {
	Generate(ctx context.Context, gc prompt.Context) (string, error)
}

// Validator sanitizes a generated answer before it is released.
type Validator interface {
	Validate(text string, sc access.Scope, intents access.IntentSet, known []string) guard.Result
}

// Pipeline holds the stage implementations. Knowledge may be nil.
type Pipeline struct {
	Scope      *scope.Resolver
	Classifier *intent.Classifier
	Selector   *minimum.Selector
	Consent    *consent.Gate
	Records    *records.Adapter
	Deid       *deid.Engine
	Knowledge  knowledge.Retriever
	Assembler  *prompt.Assembler
	Generator  Generator
	Guard      Validator
	Audit      *audit.Recorder
}

// Request is one question with the conversation so far.
type Request struct {
	Query   string        `json:"query"`
	History []prompt.Turn `json:"history,omitempty"`
}

func (r Request) Validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" || len(q) > MaxQueryLength {
		return ErrInvalidQuery
	}
	return nil
}

type Service struct {
	p      Pipeline
	tasks  taskbus.Canceller
	tel    *telemetry.Provider
	logger zerolog.Logger
	newID  func() string
}

func NewService(p Pipeline, tasks taskbus.Canceller, tel *telemetry.Provider, logger zerolog.Logger) *Service {
	return &Service{
		p:      p,
		tasks:  tasks,
		tel:    tel,
		logger: logger.With().Str("component", "chat").Logger(),
		newID:  uuid.NewString,
	}
}

// Start launches a pipeline run for the identity in ctx and returns its
// event stream. The run is cancelled when ctx is done or when the caller
// cancels it by id.
func (s *Service) Start(ctx context.Context, query string, history []prompt.Turn) (string, <-chan progress.Event, error) {
	claim, ok := access.ClaimFromContext(ctx)
	if !ok {
		return "", nil, access.AtStage("scope", access.Errorf(access.KindIdentityInvalid, "no identity on request"))
	}
	req := Request{Query: strings.TrimSpace(query), History: history}
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	id := s.newID()
	runCtx, cancel := context.WithCancel(ctx)
	coord := progress.New(id, cancel)
	release := s.tasks.Register(ctx, id, taskbus.OwnerKey(claim.TenantID, claim.SubjectID), func() { coord.Cancel() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer release()
		defer cancel()
		s.run(runCtx, coord, claim, req)
	}()

	// The stream closes only after the run has returned, so a transport
	// never releases request-scoped resources (the tenant connection) while
	// a cancelled run is still unwinding. Both buffers hold every event a
	// run can emit, so neither goroutine blocks on a slow reader.
	src := coord.Events()
	out := make(chan progress.Event, cap(src))
	go func() {
		for ev := range src {
			out <- ev
		}
		<-done
		close(out)
	}()
	return id, out, nil
}

// Ask runs the pipeline to completion and returns the terminal event.
func (s *Service) Ask(ctx context.Context, req Request) (progress.Event, error) {
	_, events, err := s.Start(ctx, req.Query, req.History)
	if err != nil {
		return progress.Event{}, err
	}
	var last progress.Event
	for ev := range events {
		last = ev
	}
	return last, nil
}

// Cancel stops a run owned by the caller in ctx.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	claim, ok := access.ClaimFromContext(ctx)
	if !ok {
		return access.Errorf(access.KindIdentityInvalid, "no identity on request")
	}
	err := s.tasks.Cancel(ctx, requestID, taskbus.OwnerKey(claim.TenantID, claim.SubjectID))
	if errors.Is(err, taskbus.ErrNotOwner) {
		return access.Wrap(access.KindScopeViolation, err, "cancel")
	}
	return err
}

// History lists the caller's own audit entries without payloads.
func (s *Service) History(ctx context.Context, limit, offset int) ([]audit.Summary, error) {
	claim, ok := access.ClaimFromContext(ctx)
	if !ok {
		return nil, access.Errorf(access.KindIdentityInvalid, "no identity on request")
	}
	return s.p.Audit.History(ctx, claim.SubjectID, limit, offset)
}

// run holds the artifacts of one request as they are produced.
type run struct {
	s      *Service
	coord  *progress.Coordinator
	claim  access.Claim
	req    Request
	entry  *audit.Entry
	logger zerolog.Logger

	scope    access.Scope
	intents  intent.Result
	plan     access.Plan
	known    []string
	masked   access.Bundle
	passages []prompt.Passage
	gctx     prompt.Context
	answer   string
}

func (s *Service) run(ctx context.Context, coord *progress.Coordinator, claim access.Claim, req Request) {
	r := &run{
		s:     s,
		coord: coord,
		claim: claim,
		req:   req,
		entry: &audit.Entry{
			RequestID: coord.RequestID(),
			SubjectID: claim.SubjectID,
			Role:      string(claim.Role),
			TenantID:  claim.TenantID,
			Query:     req.Query,
		},
		logger: s.logger.With().
			Str("request_id", coord.RequestID()).
			Str("role", string(claim.Role)).
			Logger(),
	}

	ctx, span := s.tel.StartSpan(ctx, "chat.request",
		attribute.String("assistant.request_id", coord.RequestID()),
		attribute.String("assistant.role", string(claim.Role)),
	)

	err := r.execute(ctx)
	if coord.State() == progress.Cancelled && access.KindOf(err) != access.KindCancelled {
		err = &access.Error{Kind: access.KindCancelled, Msg: "run cancelled", Err: err}
	}
	kind := r.finish(ctx, err)

	telemetry.EndSpan(span, string(kind))
	s.tel.RecordOutcome(string(claim.Role), string(access.OutcomeFor(kind)))
}

// execute runs every stage in order. Progress milestones are emitted
// between groups of stages; each Advance also observes cancellation.
func (r *run) execute(ctx context.Context) error {
	if err := r.stage(ctx, "scope", r.resolveScope); err != nil {
		return err
	}
	if err := r.coord.Advance(ctx, progress.Classifying); err != nil {
		return err
	}
	if err := r.stage(ctx, "classify", r.classify); err != nil {
		return err
	}
	if err := r.coord.Advance(ctx, progress.Retrieving); err != nil {
		return err
	}
	for _, st := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"select", r.selectPlan},
		{"consent", r.checkConsent},
		{"retrieve", r.retrieve},
		{"knowledge", r.retrieveKnowledge},
	} {
		if err := r.stage(ctx, st.name, st.fn); err != nil {
			return err
		}
	}
	if err := r.coord.Advance(ctx, progress.Assembling); err != nil {
		return err
	}
	if err := r.stage(ctx, "assemble", r.assemble); err != nil {
		return err
	}
	if err := r.coord.Advance(ctx, progress.Generating); err != nil {
		return err
	}
	if err := r.stage(ctx, "generate", r.generate); err != nil {
		return err
	}
	if err := r.coord.Advance(ctx, progress.Validating); err != nil {
		return err
	}
	if err := r.stage(ctx, "guard", r.validate); err != nil {
		return err
	}
	// A caller that went away during validation gets no answer.
	if err := ctx.Err(); err != nil {
		return &access.Error{Kind: access.KindCancelled, Stage: "guard", Msg: "caller went away", Err: err}
	}
	return nil
}

// stage times fn, records its outcome on the audit entry and in metrics,
// and wraps it in a child span.
func (r *run) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := r.s.tel.StartSpan(ctx, "chat."+name, attribute.String("assistant.stage", name))

	err := access.AtStage(name, fn(ctx))
	if err != nil && errors.Is(ctx.Err(), context.Canceled) && access.KindOf(err) != access.KindCancelled {
		// Lookups failing under a cancelled context must not read as denials.
		err = &access.Error{Kind: access.KindCancelled, Stage: name, Err: err}
	}

	kind := access.KindOf(err)
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	d := time.Since(start)
	r.entry.Stages = append(r.entry.Stages, audit.StageRecord{Stage: name, Outcome: outcome, DurationMS: d.Milliseconds()})
	r.s.tel.ObserveStage(name, outcome, d)
	telemetry.EndSpan(span, string(kind))

	r.logger.Debug().Str("stage", name).Str("outcome", outcome).Dur("duration", d).Msg("stage finished")
	return err
}

func (r *run) resolveScope(ctx context.Context) error {
	sc, err := r.s.p.Scope.Resolve(ctx, r.claim)
	if err != nil {
		return err
	}
	r.scope = sc
	snap := sc.Snapshot()
	r.entry.Scope = &snap
	return nil
}

func (r *run) classify(ctx context.Context) error {
	// The classifier is an external model and sees only pattern-scrubbed text.
	query, _ := r.s.p.Deid.ScrubText(r.req.Query, nil)
	tail := make([]string, 0, len(r.req.History))
	for _, t := range r.req.History {
		scrubbed, _ := r.s.p.Deid.ScrubText(t.Content, nil)
		tail = append(tail, scrubbed)
	}

	r.intents = r.s.p.Classifier.Classify(ctx, query, tail)
	r.entry.Intents = r.intents.Intents.Strings()
	r.entry.ClassifierSource = string(r.intents.Source)
	if r.intents.Source == intent.SourceFallback {
		r.s.tel.ClassifierFallback(r.intents.Unavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.intents.Unavailable {
		r.logger.Warn().Str("intents", r.intents.Intents.String()).Msg("classifier unavailable, heuristic intents used")
	}
	return nil
}

func (r *run) selectPlan(ctx context.Context) error {
	plan, err := r.s.p.Selector.Select(ctx, r.scope, r.intents.Intents, r.req.Query)
	if err != nil {
		return err
	}
	r.plan = plan
	r.entry.Plan = plan.Entries
	r.entry.Since = plan.Since
	return nil
}

func (r *run) checkConsent(ctx context.Context) error {
	return r.s.p.Consent.Session().Check(ctx, r.scope, r.plan)
}

func (r *run) retrieve(ctx context.Context) error {
	raw, err := r.s.p.Records.Fetch(ctx, r.scope, r.plan)
	if err != nil {
		return err
	}
	r.known = r.s.p.Deid.Identifiers(raw)
	r.masked = r.s.p.Deid.Mask(raw, r.plan)
	r.entry.RecordCount = r.masked.Len()
	if len(r.masked.Sections) > 0 {
		r.entry.MaskedPayload = prompt.RenderRecords(r.masked)
	}
	return nil
}

// retrieveKnowledge is best effort: reference passages only enrich an
// explanation and a failing retriever never fails the request.
func (r *run) retrieveKnowledge(ctx context.Context) error {
	if r.s.p.Knowledge == nil || !r.intents.Intents.Has(access.IntentExplanation) {
		return nil
	}
	query, _ := r.s.p.Deid.ScrubText(r.req.Query, r.known)
	passages, err := r.s.p.Knowledge.Retrieve(ctx, query, knowledge.AudienceFor(r.scope.Role()), knowledge.DefaultTopK)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn().Err(err).Msg("knowledge retrieval failed, continuing without passages")
		return nil
	}
	r.passages = passages
	return nil
}

func (r *run) assemble(ctx context.Context) error {
	question, _ := r.s.p.Deid.ScrubText(r.req.Query, r.known)
	history := make([]prompt.Turn, 0, len(r.req.History))
	for _, t := range r.req.History {
		content, _ := r.s.p.Deid.ScrubText(t.Content, r.known)
		history = append(history, prompt.Turn{Role: t.Role, Content: content})
	}
	gc, err := r.s.p.Assembler.Assemble(prompt.Input{
		Role:     r.scope.Role(),
		Intents:  r.intents.Intents,
		Bundle:   r.masked,
		Passages: r.passages,
		History:  history,
		Question: question,
	})
	if err != nil {
		return err
	}
	r.gctx = gc
	return ctx.Err()
}

func (r *run) generate(ctx context.Context) error {
	text, err := r.s.p.Generator.Generate(ctx, r.gctx)
	if err != nil {
		return err
	}
	// A result that arrives after cancellation is discarded.
	if err := ctx.Err(); err != nil {
		return err
	}
	r.answer = text
	return nil
}

func (r *run) validate(_ context.Context) error {
	res := r.s.p.Guard.Validate(r.answer, r.scope, r.intents.Intents, r.known)
	r.entry.Redactions = res.Redactions
	r.s.tel.GuardRedactions(res.Redactions)
	if res.Blocked {
		r.answer = ""
		return access.Errorf(access.KindResponseBlocked, "guard: %s", strings.Join(res.Reasons, ","))
	}
	r.answer = res.Text
	return nil
}

// finish writes the audit entry and emits the terminal event. It returns
// the kind the caller saw, which is audit_write_failed when the entry could
// not be written even if an answer was ready.
func (r *run) finish(ctx context.Context, err error) access.Kind {
	kind := access.KindOf(err)
	e := r.entry
	e.Outcome = access.OutcomeFor(kind)
	e.ErrorKind = kind
	var ae *access.Error
	if errors.As(err, &ae) {
		e.ErrorStage = ae.Stage
	}
	if kind == "" {
		e.Response = r.answer
	} else {
		e.Response = kind.PublicMessage()
	}

	// The entry is written even when the run was cancelled.
	actx := context.WithoutCancel(ctx)
	start := time.Now()
	actx, span := r.s.tel.StartSpan(actx, "chat.audit")
	auditErr := r.s.p.Audit.Record(actx, e)
	auditOutcome := "ok"
	if auditErr != nil {
		kind = access.KindAuditWriteFailed
		auditOutcome = string(kind)
		telemetry.EndSpan(span, auditOutcome)
	} else {
		telemetry.EndSpan(span, "")
	}
	r.s.tel.ObserveStage("audit", auditOutcome, time.Since(start))

	logEvt := r.logger.Info()
	if kind != "" {
		logEvt = r.logger.Warn().Str("error_kind", string(kind)).Str("error_stage", e.ErrorStage)
	}
	logEvt.
		Str("intents", r.intents.Intents.String()).
		Int("records", e.RecordCount).
		Int("redactions", e.Redactions).
		Str("outcome", string(access.OutcomeFor(kind))).
		Msg("chat request finished")

	if kind != "" {
		r.coord.Fail(kind)
		return kind
	}
	if cerr := r.coord.Complete(r.answer, r.intents.Intents.Strings(), r.plan.Categories()); cerr != nil {
		// Cancelled after the audit entry was written; the answer is dropped.
		r.logger.Warn().Err(cerr).Msg("answer discarded")
		return access.KindOf(cerr)
	}
	return ""
}
