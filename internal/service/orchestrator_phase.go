package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sfotel "github.com/Strob0t/SiteForge/internal/adapter/otel"
	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/job"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
)

// phaseOutcome is the result of one awaited phase.
type phaseOutcome struct {
	ev      *event.Event
	success bool
}

// runPhase publishes the phase trigger and waits for its completion. A
// timeout fails the run and returns a nil outcome.
func (s *OrchestratorService) runPhase(ctx context.Context, st *workflow.State, trigger event.Event, success, failure event.Type, match func(*event.Event) bool, timeout time.Duration) (*phaseOutcome, error) {
	phase := string(st.Phase)
	ctx, span := sfotel.StartPhaseSpan(ctx, phase, st.ProjectID, st.RunID, st.Iteration)
	defer span.End()
	began := time.Now()

	ev, err := s.awaitEvent(ctx, st, trigger, []event.Type{success, failure}, match, timeout)
	s.metrics.PhaseObserved(ctx, phase, time.Since(began).Seconds())
	if errors.Is(err, errPhaseTimeout) {
		span.RecordError(err)
		s.fail(ctx, st, workflow.ReasonTimeout, fmt.Sprintf("%s: %v", st.Phase, err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &phaseOutcome{ev: ev, success: ev.Type == success}, nil
}

func (s *OrchestratorService) phaseStarted(st *workflow.State, phase job.Phase) event.Event {
	ev := s.newEvent(event.TypePhaseStarted, st)
	ev.Phase = phase
	ev.Input = st.Input
	if len(st.Artifacts) > 0 {
		ev.Results = st.Artifacts
	}
	return ev
}

// phaseFailed fails the run with the error carried by a failure event.
func (s *OrchestratorService) phaseFailed(ctx context.Context, st *workflow.State, ev *event.Event) {
	msg := ev.Error
	if msg == "" {
		msg = string(ev.Type)
	}
	s.fail(ctx, st, workflow.ReasonPhaseFailed, msg)
}

func (s *OrchestratorService) stepPlanning(ctx context.Context, st *workflow.State) error {
	out, err := s.runPhase(ctx, st, s.phaseStarted(st, job.PhasePlan),
		event.TypeSpecCreated, event.TypeSpecFailed, nil, s.cfg.PlanTimeout)
	if err != nil || out == nil {
		return err
	}
	if !out.success {
		s.phaseFailed(ctx, st, out.ev)
		return nil
	}
	st.AddArtifacts("plan", out.ev.Results)
	return s.transition(ctx, st, workflow.PhaseSynthesizing)
}

func (s *OrchestratorService) stepSynthesizing(ctx context.Context, st *workflow.State) error {
	notFix := func(ev *event.Event) bool { return !ev.Fix }
	out, err := s.runPhase(ctx, st, s.phaseStarted(st, job.PhaseSynthesize),
		event.TypeSynthesisCompleted, event.TypeSynthesisFailed, notFix, s.cfg.SynthesisTimeout)
	if err != nil || out == nil {
		return err
	}
	if !out.success {
		s.phaseFailed(ctx, st, out.ev)
		return nil
	}
	st.AddArtifacts("synthesis", out.ev.Results)
	return s.transition(ctx, st, workflow.PhaseValidating)
}

// stepValidating runs one validation pass. A failure either schedules a fix
// or, on the last allowed iteration, ends the run with its findings.
func (s *OrchestratorService) stepValidating(ctx context.Context, st *workflow.State) error {
	iteration := st.Iteration
	sameIteration := func(ev *event.Event) bool { return ev.Iteration == iteration }
	out, err := s.runPhase(ctx, st, s.phaseStarted(st, job.PhaseValidate),
		event.TypeValidationPassed, event.TypeValidationFailed, sameIteration, s.cfg.ValidationTimeout)
	if err != nil || out == nil {
		return err
	}

	st.Findings = out.ev.Findings
	if out.success {
		return s.transition(ctx, st, workflow.PhaseDeploying)
	}
	if st.Iteration < st.MaxIterations-1 {
		return s.transition(ctx, st, workflow.PhaseFixing)
	}
	msg := fmt.Sprintf("validation still failing after %d iteration(s) with %d finding(s)", st.Iteration+1, len(st.Findings))
	if out.ev.Error != "" {
		msg += ": " + out.ev.Error
	}
	s.fail(ctx, st, workflow.ReasonIterationsExhausted, msg)
	return nil
}

// stepFixing requests a fix with a budget that doubles every iteration and
// waits for the fix's own synthesis.
func (s *OrchestratorService) stepFixing(ctx context.Context, st *workflow.State) error {
	iteration := st.Iteration
	trigger := s.newEvent(event.TypeFixRequested, st)
	trigger.Fix = true
	trigger.FixBudget = workflow.FixBudget(s.cfg.BaseFixBudget, iteration)
	trigger.Findings = st.Findings
	trigger.Input = st.Input
	if len(st.Artifacts) > 0 {
		trigger.Results = st.Artifacts
	}

	fixOf := func(ev *event.Event) bool { return ev.Fix && ev.Iteration == iteration }
	out, err := s.runPhase(ctx, st, trigger,
		event.TypeSynthesisCompleted, event.TypeSynthesisFailed, fixOf, s.cfg.FixTimeout)
	if err != nil || out == nil {
		return err
	}
	if !out.success {
		s.phaseFailed(ctx, st, out.ev)
		return nil
	}
	st.AddArtifacts("fix-"+strconv.Itoa(iteration), out.ev.Results)
	st.Iteration++
	return s.transition(ctx, st, workflow.PhaseValidating)
}

func (s *OrchestratorService) stepDeploying(ctx context.Context, st *workflow.State) error {
	out, err := s.runPhase(ctx, st, s.phaseStarted(st, job.PhaseDeploy),
		event.TypeDeploySucceeded, event.TypeDeployFailed, nil, s.cfg.DeployTimeout)
	if err != nil || out == nil {
		return err
	}
	if !out.success {
		s.phaseFailed(ctx, st, out.ev)
		return nil
	}
	st.DeploymentURLs = out.ev.URLs
	st.AddArtifacts("deploy", out.ev.Results)
	return s.transition(ctx, st, workflow.PhaseCompleted)
}
