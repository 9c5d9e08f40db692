// Package freestep runs one free-mode simulation step: authorize the caller,
// validate the request, admit it against the classroom quota, ask the
// generative backend for the outcome, normalize the reply into a safe diff,
// derive UI events, meter the spend and answer.
//
// A step makes exactly one pass through the states in state.go. Nothing is
// retried; any failure stops the step with an *Error carrying its code.
package freestep

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"freelab/internal/articulation"
	"freelab/internal/auth"
	"freelab/internal/journal"
	"freelab/internal/lab"
	"freelab/internal/logging"
	"freelab/internal/metrics"
	"freelab/internal/perception"
	"freelab/internal/prompt"
	"freelab/internal/uievents"
	"freelab/internal/usage"
)

// Writes that follow a completed backend call outlive the request context
// so spend is recorded even when the client has gone away.
const (
	meteringTimeout = 10 * time.Second
	journalTimeout  = 10 * time.Second
)

// Result is a completed step.
type Result struct {
	Response     lab.StepResponse
	StepID       string
	Model        string
	CostMicroUSD int64
	// Usage is the classroom's counter after this step was recorded.
	Usage   usage.Counter
	Repairs []articulation.Repair
	// Dropped lists diff entries removed by the reference policy.
	Dropped []string
}

// Engine executes steps. It holds no per-step state and is safe for
// concurrent use.
type Engine struct {
	backend    perception.Backend
	meter      *usage.Meter
	members    auth.MembershipChecker
	builder    *prompt.Builder
	normalizer *articulation.Normalizer
	policy     articulation.ReferencePolicy
	journal    journal.Store
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithJournal archives every completed step to j.
func WithJournal(j journal.Store) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics records step outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithReferencePolicy sets what happens to unknown ids in backend output.
func WithReferencePolicy(p articulation.ReferencePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithHistoryWindow sets how many trailing history records the prompt sees.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) { e.builder = prompt.NewBuilder(n) }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over its collaborators.
func New(backend perception.Backend, meter *usage.Meter, members auth.MembershipChecker, opts ...Option) *Engine {
	e := &Engine{
		backend:    backend,
		meter:      meter,
		members:    members,
		builder:    prompt.NewBuilder(prompt.DefaultHistoryWindow),
		normalizer: articulation.NewNormalizer(),
		policy:     articulation.ReferenceAccept,
		journal:    journal.Nop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Normalizer returns the normalizer the engine reports its stats on.
func (e *Engine) Normalizer() *articulation.Normalizer { return e.normalizer }

// Step runs one step for the caller identified by claims over a raw
// StepRequest body. Failures are always *Error.
func (e *Engine) Step(ctx context.Context, claims *auth.Claims, body []byte) (result *Result, err error) {
	start := time.Now()
	defer func() {
		code := CodeOK
		var se *Error
		if errors.As(err, &se) {
			code = se.Code
		}
		e.metrics.ObserveStep(string(code), time.Since(start))
	}()

	state := StateStart

	// start -> AuthChecked
	if claims == nil || claims.Subject == "" {
		return nil, &Error{Code: CodeUnauthorized, Message: "authentication required", State: state}
	}
	state = StateAuthChecked

	// AuthChecked -> InputValidated. A readable classroomId is checked for
	// membership before the rest of the body is validated.
	classroomID, peeked := peekClassroomID(body)
	if peeked {
		if serr := e.checkMembership(ctx, claims.Subject, classroomID, state); serr != nil {
			return nil, serr
		}
	}
	req, derr := lab.DecodeStepRequest(body)
	if derr != nil {
		return nil, invalidInput(derr, state)
	}
	if !peeked {
		classroomID = req.ClassroomID
		if serr := e.checkMembership(ctx, claims.Subject, classroomID, state); serr != nil {
			return nil, serr
		}
	}
	state = StateInputValidated

	log := logging.Get(logging.CategoryStep).With(
		zap.String("classroom", classroomID),
		zap.String("user", claims.Subject),
		zap.String("action", string(req.Action.Action.Kind())),
	)

	// InputValidated -> QuotaAdmitted
	adm, aerr := e.meter.Admit(ctx, classroomID)
	if aerr != nil {
		log.Error("admission failed: %v", aerr)
		return nil, &Error{Code: CodeInternalError, Message: "usage could not be read", State: state, Stage: StageAdmission, Err: aerr}
	}
	if !adm.Allowed {
		return nil, &Error{
			Code:     CodeQuotaExceeded,
			Message:  "classroom has used its generative quota for " + adm.Month,
			State:    state,
			Snapshot: &adm,
		}
	}
	state = StateQuotaAdmitted

	// QuotaAdmitted -> GenerativeCallCompleted
	p := e.builder.Build(req.Env, req.Action.Action, req.History)
	callStart := time.Now()
	comp, berr := e.backend.Complete(ctx, p.System, p.User)
	e.metrics.ObserveBackend(time.Since(callStart))
	if berr != nil {
		log.Warn("backend call failed after %v: %v", time.Since(callStart), berr)
		return nil, &Error{Code: CodeBackendError, Message: backendMessage(berr), State: state, Stage: StageBackend, Err: berr}
	}
	state = StateGenerativeCallCompleted

	// GenerativeCallCompleted -> Normalized
	diff, report, nerr := e.normalizer.Normalize(comp.Text)
	if nerr != nil {
		stage := articulation.StageParse
		var oe *articulation.OutputError
		if errors.As(nerr, &oe) {
			stage = oe.Stage
		}
		logging.Get(logging.CategoryArticulation).Zap().Warn("unusable backend output",
			zap.String("classroom", classroomID),
			zap.String("stage", stage),
			zap.Int("tokens_in", comp.TokensIn),
			zap.Int("tokens_out", comp.TokensOut),
			zap.String("raw", comp.Text),
			zap.Error(nerr),
		)
		return nil, &Error{
			Code:    CodeMalformedOutput,
			Message: "the simulator produced an unusable result; try the action again",
			State:   state,
			Stage:   stage,
			Err:     nerr,
		}
	}
	for _, r := range report.Repairs {
		e.metrics.AddRepair(repairField(r.Path))
	}
	diff, dropped := articulation.FilterReferences(diff, req.Env, e.policy)
	if len(dropped) > 0 {
		e.metrics.AddDroppedReferences(len(dropped))
		log.Warn("dropped unknown references: %s", strings.Join(dropped, ", "))
	}
	state = StateNormalized

	// Normalized -> EventsDerivedAndMetered
	events := uievents.Derive(req.Env, diff)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), meteringTimeout)
	updated, cost, merr := e.meter.Record(mctx, classroomID, comp.TokensIn, comp.TokensOut)
	cancel()
	if merr != nil {
		logging.QuotaError("UNRECORDED SPEND classroom=%s user=%s tokens_in=%d tokens_out=%d cost=%d: %v",
			classroomID, claims.Subject, comp.TokensIn, comp.TokensOut, cost, merr)
		return nil, &Error{Code: CodeInternalError, Message: "usage could not be recorded", State: state, Stage: StageMetering, Err: merr}
	}
	e.metrics.AddUsage(comp.TokensIn, comp.TokensOut, cost)
	state = StateEventsDerivedAndMetered

	// EventsDerivedAndMetered -> Responded
	res := &Result{
		Response: lab.StepResponse{
			PostAction:    diff,
			UIEvents:      events,
			TokensIn:      comp.TokensIn,
			TokensOut:     comp.TokensOut,
			QuotaExceeded: updated.CostMicroUSD > adm.QuotaMicroUSD,
		},
		StepID:       journal.NewStepID(),
		Model:        comp.Model,
		CostMicroUSD: cost,
		Usage:        updated,
		Repairs:      report.Repairs,
		Dropped:      dropped,
	}
	if res.Response.QuotaExceeded {
		logging.QuotaWarn("classroom %s went over its quota for %s: %d > %d micro-USD",
			classroomID, adm.Month, updated.CostMicroUSD, adm.QuotaMicroUSD)
	}

	e.archive(ctx, claims.Subject, classroomID, req.Action, res)
	log.Info("step %s done in %v: model=%s in=%d out=%d cost=%d repairs=%d events=%d",
		res.StepID, time.Since(start), comp.Model, comp.TokensIn, comp.TokensOut, cost, len(report.Repairs), len(events))
	return res, nil
}

// Usage returns the caller's view of a classroom's current admission state.
func (e *Engine) Usage(ctx context.Context, claims *auth.Claims, classroomID string) (usage.Admission, error) {
	if claims == nil || claims.Subject == "" {
		return usage.Admission{}, &Error{Code: CodeUnauthorized, Message: "authentication required"}
	}
	if err := e.checkMembership(ctx, claims.Subject, classroomID, StateAuthChecked); err != nil {
		return usage.Admission{}, err
	}
	adm, err := e.meter.Admit(ctx, classroomID)
	if err != nil {
		return usage.Admission{}, &Error{Code: CodeInternalError, Message: "usage could not be read", Stage: StageAdmission, Err: err}
	}
	return adm, nil
}

func (e *Engine) checkMembership(ctx context.Context, userID, classroomID string, state State) *Error {
	ok, err := e.members.IsMember(ctx, userID, classroomID)
	if err != nil {
		logging.Get(logging.CategoryAuth).Error("membership lookup for %s in %s failed: %v", userID, classroomID, err)
		return &Error{Code: CodeInternalError, Message: "membership could not be checked", State: state, Stage: StageMembership, Err: err}
	}
	if !ok {
		logging.AuthDebug("user %s is not a member of %s", userID, classroomID)
		return &Error{Code: CodeForbidden, Message: "not a member of this classroom", State: state}
	}
	return nil
}

func (e *Engine) archive(ctx context.Context, userID, classroomID string, action lab.ActionEnvelope, res *Result) {
	now := e.now().UTC()
	entry := journal.Entry{
		StepID:       res.StepID,
		ClassroomID:  classroomID,
		UserID:       userID,
		Time:         now,
		Model:        res.Model,
		TokensIn:     res.Response.TokensIn,
		TokensOut:    res.Response.TokensOut,
		CostMicroUSD: res.CostMicroUSD,
		Record: lab.ActionRecord{
			Action:    action,
			Result:    res.Response.PostAction,
			Timestamp: now.Format(time.RFC3339),
		},
		UIEvents: res.Response.UIEvents,
		Dropped:  res.Dropped,
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.journal.Append(jctx, entry); err != nil {
		logging.JournalWarn("step %s not archived: %v", res.StepID, err)
	}
}

// peekClassroomID reads classroomId without validating the rest of body.
func peekClassroomID(body []byte) (string, bool) {
	var probe struct {
		ClassroomID string `json:"classroomId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ClassroomID == "" {
		return "", false
	}
	return probe.ClassroomID, true
}

func invalidInput(err error, state State) *Error {
	se := &Error{Code: CodeInvalidInput, Message: "request body is not a valid step request", State: state, Err: err}
	var ve *lab.ValidationError
	if errors.As(err, &ve) {
		se.Details = ve.Issues
	}
	return se
}

func backendMessage(err error) string {
	switch {
	case errors.Is(err, perception.ErrTimeout):
		return "the simulator took too long to respond"
	case errors.Is(err, perception.ErrRateLimited):
		return "the simulator is busy; try again shortly"
	case errors.Is(err, perception.ErrUnauthorized), errors.Is(err, perception.ErrNotConfigured):
		return "the simulator backend is misconfigured"
	default:
		return "the simulator backend failed"
	}
}

// repairField collapses a repair path to a bounded metric label.
func repairField(path string) string {
	switch {
	case strings.HasSuffix(path, ".pH"):
		return "ph"
	case strings.Contains(path, ".liquids."):
		return "liquid_volume"
	case strings.Contains(path, ".solids."):
		return "solid_mass"
	default:
		return "other"
	}
}
