package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain/event"
	"github.com/Strob0t/SiteForge/internal/domain/job"
)

// batch tracks the jobs fanned out for one phase of one run.
type batch struct {
	key        string
	projectID  string
	runID      string
	tenantID   string
	phase      job.Phase
	iteration  int
	fix        bool
	fixBudget  int
	pending    map[string]struct{}
	results    map[string]json.RawMessage
	errors     []string
	done       bool
	finishedAt time.Time
	completion *event.Event
}

func batchKey(runID string, phase job.Phase, iteration int, fix bool) string {
	k := runID + "/" + string(phase) + "/" + strconv.Itoa(iteration)
	if fix {
		k += "/fix"
	}
	return k
}

// fixInput is the job input of a fix agent.
type fixInput struct {
	Project   json.RawMessage   `json:"project,omitempty"`
	Findings  []json.RawMessage `json:"findings"`
	FixBudget int               `json:"fix_budget"`
	Iteration int               `json:"iteration"`
}

// validatorOutput is the output contract of validate-phase agents.
type validatorOutput struct {
	Passed   *bool             `json:"passed"`
	Findings []json.RawMessage `json:"findings"`
}

// deployOutput is the output contract of deploy-phase agents.
type deployOutput struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

// onPhaseStarted fans a phase.started or fix.requested event out into one
// job per configured agent.
func (d *Dispatcher) onPhaseStarted(ctx context.Context, ev event.Event) {
	fix := ev.Type == event.TypeFixRequested
	phase := ev.Phase
	agents := d.cfg.Phases[phase]
	if fix {
		phase = job.PhaseSynthesize
		agents = d.cfg.FixAgents
	}
	if !phase.Valid() {
		slog.Warn("phase event without a valid phase", "type", ev.Type, "project_id", ev.ProjectID, "phase", ev.Phase)
		return
	}
	key := batchKey(ev.RunID, phase, ev.Iteration, fix)

	d.mu.Lock()
	if _, cancelled := d.cancelled[ev.RunID]; cancelled {
		d.mu.Unlock()
		return
	}
	if b, ok := d.batches[key]; ok {
		var again *event.Event
		if b.done && b.completion != nil {
			cp := *b.completion
			again = &cp
		}
		d.mu.Unlock()
		if again != nil {
			// A resumed run asks again for a phase that already finished.
			again.ID = ""
			again.CreatedAt = time.Time{}
			d.publishCompletion(ctx, *again)
		}
		return
	}
	b := &batch{
		key:       key,
		projectID: ev.ProjectID,
		runID:     ev.RunID,
		tenantID:  ev.TenantID,
		phase:     phase,
		iteration: ev.Iteration,
		fix:       fix,
		fixBudget: ev.FixBudget,
		pending:   make(map[string]struct{}, len(agents)),
		results:   make(map[string]json.RawMessage, len(agents)),
	}
	d.batches[key] = b

	specs, err := d.buildSpecs(ev, phase, agents, fix)
	if err != nil || len(specs) == 0 {
		if err == nil {
			err = fmt.Errorf("no agents configured for phase %s", phase)
		}
		b.errors = append(b.errors, err.Error())
		comp := d.closeBatch(b)
		d.mu.Unlock()
		d.publishCompletion(ctx, comp)
		return
	}
	for _, s := range specs {
		b.pending[s.ID] = struct{}{}
		d.jobBatch[s.ID] = key
	}
	d.mu.Unlock()

	slog.Info("phase fanned out", "project_id", ev.ProjectID, "run_id", ev.RunID,
		"phase", phase, "iteration", ev.Iteration, "fix", fix, "jobs", len(specs))
	for _, s := range specs {
		if _, err := d.Enqueue(ctx, s); err != nil {
			slog.Error("phase job not enqueued", "job_id", s.ID, "agent_id", s.AgentID, "error", err)
			d.jobSettled(ctx, s, nil, err)
		}
	}
}

func (d *Dispatcher) buildSpecs(ev event.Event, phase job.Phase, agents []string, fix bool) ([]job.Spec, error) {
	var previous json.RawMessage
	if len(ev.Results) > 0 {
		data, err := json.Marshal(ev.Results)
		if err != nil {
			return nil, fmt.Errorf("encode previous results: %w", err)
		}
		previous = data
	}
	input := ev.Input
	if fix {
		data, err := json.Marshal(fixInput{
			Project:   ev.Input,
			Findings:  ev.Findings,
			FixBudget: ev.FixBudget,
			Iteration: ev.Iteration,
		})
		if err != nil {
			return nil, fmt.Errorf("encode fix input: %w", err)
		}
		input = data
	}

	specs := make([]job.Spec, 0, len(agents))
	for _, agentID := range agents {
		specs = append(specs, job.Spec{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			TenantID:  ev.TenantID,
			ProjectID: ev.ProjectID,
			RunID:     ev.RunID,
			Phase:     phase,
			Input:     input,
			Context: job.Context{
				Workspace:       ev.ProjectID + "/" + ev.RunID,
				PreviousResults: previous,
			},
			Iteration: ev.Iteration,
			FixBudget: ev.FixBudget,
		})
	}
	return specs, nil
}

// jobSettled folds a terminal job into its batch and publishes the phase
// completion once every job of the batch has settled.
func (d *Dispatcher) jobSettled(ctx context.Context, spec job.Spec, res *job.Result, err error) {
	d.mu.Lock()
	key, ok := d.jobBatch[spec.ID]
	b := d.batches[key]
	if !ok || b == nil || b.done {
		d.mu.Unlock()
		return
	}
	if _, waiting := b.pending[spec.ID]; !waiting {
		d.mu.Unlock()
		return
	}
	delete(b.pending, spec.ID)
	switch {
	case err != nil:
		b.errors = append(b.errors, spec.AgentID+": "+err.Error())
	case res != nil && len(res.Output) > 0:
		b.results[spec.AgentID] = res.Output
	}
	if len(b.pending) > 0 {
		d.mu.Unlock()
		return
	}
	comp := d.closeBatch(b)
	d.mu.Unlock()

	d.publishCompletion(ctx, comp)
}

// closeBatch marks b done and builds its completion event. d.mu must be held.
func (d *Dispatcher) closeBatch(b *batch) event.Event {
	b.done = true
	b.finishedAt = d.now()

	success, failure := event.CompletionFor(b.phase)
	ev := event.New(success, b.projectID, b.runID)
	ev.TenantID = b.tenantID
	ev.Phase = b.phase
	ev.Iteration = b.iteration
	ev.Fix = b.fix
	ev.FixBudget = b.fixBudget
	if len(b.results) > 0 {
		ev.Results = make(map[string]json.RawMessage, len(b.results))
		for k, v := range b.results {
			ev.Results[k] = v
		}
	}

	if len(b.errors) > 0 {
		ev.Type = failure
		ev.Error = strings.Join(b.errors, "; ")
	} else {
		switch b.phase {
		case job.PhaseValidate:
			passed, findings := evaluateValidation(b.results)
			ev.Findings = findings
			if !passed {
				ev.Type = failure
			}
		case job.PhaseDeploy:
			ev.URLs = collectURLs(b.results)
		}
	}
	b.completion = &ev
	return ev
}

func (d *Dispatcher) publishCompletion(ctx context.Context, ev event.Event) {
	if d.bridge == nil {
		return
	}
	if err := d.bridge.Publish(ctx, ev); err != nil {
		slog.Error("publish phase completion", "type", ev.Type, "project_id", ev.ProjectID, "error", err)
		return
	}
	slog.Info("phase completed", "type", ev.Type, "project_id", ev.ProjectID, "run_id", ev.RunID,
		"iteration", ev.Iteration)
}

// evaluateValidation passes only if every validator passed. An output
// without an explicit verdict passes when it reports no findings.
func evaluateValidation(results map[string]json.RawMessage) (bool, []json.RawMessage) {
	passed := true
	var findings []json.RawMessage
	for _, agentID := range slices.Sorted(maps.Keys(results)) {
		raw := results[agentID]
		var out validatorOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			slog.Warn("validator output not understood", "agent_id", agentID, "error", err)
			passed = false
			continue
		}
		findings = append(findings, out.Findings...)
		if out.Passed != nil {
			passed = passed && *out.Passed
		} else if len(out.Findings) > 0 {
			passed = false
		}
	}
	return passed, findings
}

func collectURLs(results map[string]json.RawMessage) []string {
	var urls []string
	for _, agentID := range slices.Sorted(maps.Keys(results)) {
		var out deployOutput
		if err := json.Unmarshal(results[agentID], &out); err != nil {
			continue
		}
		if out.URL != "" {
			urls = append(urls, out.URL)
		}
		urls = append(urls, out.URLs...)
	}
	return urls
}

// onWorkflowCancelled abandons every batch of the run. Waiting jobs are
// skipped when dequeued and late results are ignored.
func (d *Dispatcher) onWorkflowCancelled(_ context.Context, ev event.Event) {
	if ev.RunID == "" {
		return
	}
	now := d.now()
	d.mu.Lock()
	d.cancelled[ev.RunID] = now
	abandoned := 0
	for _, b := range d.batches {
		if b.runID == ev.RunID && !b.done {
			b.done = true
			b.finishedAt = now
			abandoned++
		}
	}
	d.mu.Unlock()
	slog.Info("run cancelled, batches abandoned", "project_id", ev.ProjectID, "run_id", ev.RunID, "batches", abandoned)
}
