package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/store"
)

// maxSteps bounds one execution so a decision loop cannot spin forever.
const maxSteps = 1000

// Start runs an execution of an active definition. Every execution is born
// from a dispatched intent; an empty intentID is rejected. The loop runs
// synchronously until it completes, pauses on an approval, or fails.
func (e *Engine) Start(ctx context.Context, op governance.OpContext, definitionID, intentID string, input map[string]any) (*Execution, error) {
	if intentID == "" {
		return nil, governance.NewError(governance.CodeValidationError,
			"executions require a dispatched intent")
	}

	def, _, err := e.getDefinition(ctx, op, definitionID)
	if err != nil {
		return nil, err
	}
	if def.Status != DefinitionActive {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"definition %s is %s, not active", definitionID, def.Status)
	}

	if input == nil {
		input = map[string]any{}
	}
	exec := &Execution{
		ID:               "wfe-" + uuid.New().String()[:8],
		TenantID:         op.Tenant.TenantID,
		DefinitionID:     definitionID,
		IntentID:         intentID,
		Status:           ExecutionRunning,
		Input:            input,
		AccumulatedInput: cloneInput(input),
		StartedAt:        e.now().UTC(),
	}

	if _, err := e.executions.Create(ctx, exec.TenantID, exec.ID, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	e.runLoop(exec, def, 0)

	if err := e.putExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution loads one execution, enforcing tenant ownership.
func (e *Engine) GetExecution(ctx context.Context, op governance.OpContext, id string) (*Execution, error) {
	exec, _, err := e.executions.Get(ctx, op.Tenant.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, governance.NewError(governance.CodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := op.RequireTenant(exec.TenantID); err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions pages through the tenant's executions.
func (e *Engine) ListExecutions(ctx context.Context, op governance.OpContext, cursor string, limit int) ([]*Execution, string, error) {
	return e.executions.List(ctx, op.Tenant.TenantID, cursor, limit)
}

// Resume continues a paused execution after an approval decision. A rejected
// outcome fails the execution; an approved one records the approval output
// and continues the loop from the step after the pause.
func (e *Engine) Resume(ctx context.Context, op governance.OpContext, executionID, stepExecutionID string, outcome Outcome) (*Execution, error) {
	exec, err := e.GetExecution(ctx, op, executionID)
	if err != nil {
		return nil, err
	}
	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return nil, governance.NewError(governance.CodeInvariantViolation,
			"unknown resume outcome %q", outcome)
	}
	if exec.Status != ExecutionPaused {
		return nil, governance.NewError(governance.CodeStateInvalid,
			"execution %s is %s, not paused", executionID, exec.Status)
	}
	if stepExecutionID != exec.PausedAtStepID {
		return nil, governance.NewError(governance.CodeInvariantViolation,
			"execution %s is paused at %s, not %s", executionID, exec.PausedAtStepID, stepExecutionID)
	}

	var paused *StepExecution
	for i := range exec.Steps {
		if exec.Steps[i].ID == stepExecutionID && exec.Steps[i].Status == StepAwaitingApproval {
			paused = &exec.Steps[i]
			break
		}
	}
	if paused == nil {
		return nil, governance.NewError(governance.CodeNotFound,
			"execution %s has no step %s awaiting approval", executionID, stepExecutionID)
	}

	def, _, err := e.getDefinition(ctx, op, exec.DefinitionID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	paused.EndedAt = &now

	if outcome == OutcomeRejected {
		paused.Status = StepFailed
		paused.Output = map[string]any{"approved": false}
		exec.Status = ExecutionFailed
		exec.Error = fmt.Sprintf("approval rejected at step %s", paused.StepName)
		exec.PausedAtStepID = ""
		exec.EndedAt = &now
	} else {
		paused.Status = StepCompleted
		paused.Output = map[string]any{"approved": true}
		mergeOutput(exec, paused.OrderIndex, paused.Output)
		exec.Status = ExecutionRunning
		exec.PausedAtStepID = ""

		steps, positions := orderedSteps(def)
		pos, ok := positions[paused.OrderIndex]
		if !ok {
			exec.Status = ExecutionFailed
			exec.Error = fmt.Sprintf("paused step index %d no longer in definition", paused.OrderIndex)
			exec.EndedAt = &now
		} else {
			e.resumeLoop(exec, def, steps, positions, pos+1)
		}
	}

	if err := e.putExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// runLoop drives the index-based execution loop from the given position.
func (e *Engine) runLoop(exec *Execution, def *Definition, startPos int) {
	steps, positions := orderedSteps(def)
	e.resumeLoop(exec, def, steps, positions, startPos)
}

// resumeLoop executes steps from startPos until completion, pause, or
// failure. Decision steps jump by order index; all other steps fall through
// to the next position.
func (e *Engine) resumeLoop(exec *Execution, def *Definition, steps []Step, positions map[int]int, startPos int) {
	pos := startPos
	for executed := 0; ; executed++ {
		if pos >= len(steps) {
			e.finish(exec, ExecutionCompleted, "")
			return
		}
		if executed >= maxSteps {
			e.finish(exec, ExecutionFailed, "step budget exhausted; decision loop suspected")
			return
		}

		step := steps[pos]
		se := StepExecution{
			ID:         "se-" + uuid.New().String()[:8],
			StepID:     step.ID,
			StepName:   step.Name,
			StepType:   step.StepType,
			OrderIndex: step.OrderIndex,
			Status:     StepPending,
			StartedAt:  e.now().UTC(),
		}

		output, paused, nextIndex, err := e.executeStep(step, exec.AccumulatedInput)
		now := e.now().UTC()

		if err != nil {
			se.Status = StepFailed
			se.Error = err.Error()
			se.EndedAt = &now
			exec.Steps = append(exec.Steps, se)
			e.finish(exec, ExecutionFailed, fmt.Sprintf("step %s failed: %v", step.Name, err))
			return
		}

		if paused {
			se.Status = StepAwaitingApproval
			exec.Steps = append(exec.Steps, se)
			exec.Status = ExecutionPaused
			exec.PausedAtStepID = se.ID
			return
		}

		se.Status = StepCompleted
		se.Output = output
		se.EndedAt = &now
		exec.Steps = append(exec.Steps, se)
		mergeOutput(exec, step.OrderIndex, output)

		if nextIndex != nil {
			target, ok := positions[*nextIndex]
			if !ok {
				e.finish(exec, ExecutionFailed,
					fmt.Sprintf("step %s jumps to unknown order index %d", step.Name, *nextIndex))
				return
			}
			pos = target
		} else {
			pos++
		}
	}
}

// executeStep runs one step against the accumulated input. It returns the
// step output, whether the execution pauses, and a branch target order index
// for decision steps.
func (e *Engine) executeStep(step Step, accumulated map[string]any) (map[string]any, bool, *int, error) {
	switch step.StepType {
	case StepAssignment:
		var cfg AssignmentConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return nil, false, nil, fmt.Errorf("invalid assignment config: %w", err)
		}
		output, err := resolveAssignment(cfg, accumulated)
		return output, false, nil, err

	case StepApproval:
		var cfg ApprovalConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return nil, false, nil, fmt.Errorf("invalid approval config: %w", err)
		}
		if cfg.AutoApprove {
			return map[string]any{"approved": true}, false, nil, nil
		}
		return nil, true, nil, nil

	case StepNotification:
		var cfg NotificationConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return nil, false, nil, fmt.Errorf("invalid notification config: %w", err)
		}
		output := map[string]any{
			"channel":   cfg.Channel,
			"recipient": cfg.Recipient,
			"body":      cfg.Body,
		}
		if cfg.TemplateRef != "" {
			resolved, err := e.boundary.ValidatePath(cfg.TemplateRef)
			if err != nil {
				return nil, false, nil, err
			}
			output["templatePath"] = resolved
		}
		e.logger.Info("Workflow notification",
			"channel", cfg.Channel,
			"recipient", cfg.Recipient)
		return output, false, nil, nil

	case StepDecision:
		var cfg DecisionConfig
		if err := decodeConfig(step.Config, &cfg); err != nil {
			return nil, false, nil, fmt.Errorf("invalid decision config: %w", err)
		}
		if cfg.OnTrueStepIndex == nil || cfg.OnFalseStepIndex == nil {
			return nil, false, nil, fmt.Errorf("decision requires onTrueStepIndex and onFalseStepIndex")
		}

		result, err := evaluateCondition(cfg, accumulated)
		if err != nil {
			return nil, false, nil, err
		}
		target := cfg.OnFalseStepIndex
		if result {
			target = cfg.OnTrueStepIndex
		}
		output := map[string]any{
			"result":          result,
			"targetStepIndex": *target,
		}
		return output, false, target, nil

	default:
		return nil, false, nil, fmt.Errorf("unknown step type %q", step.StepType)
	}
}

// resolveAssignment resolves the assignee per the configured strategy.
func resolveAssignment(cfg AssignmentConfig, accumulated map[string]any) (map[string]any, error) {
	switch cfg.AssigneeType {
	case "user":
		if cfg.UserID == "" {
			return nil, fmt.Errorf("user assignment requires userId")
		}
		return map[string]any{"assignedTo": cfg.UserID}, nil
	case "group":
		if cfg.GroupKey == "" {
			return nil, fmt.Errorf("group assignment requires groupKey")
		}
		return map[string]any{"assignedGroup": cfg.GroupKey}, nil
	case "field":
		v, ok := accumulated[cfg.Field]
		if !ok {
			return nil, fmt.Errorf("assignment field %q not in input", cfg.Field)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("assignment field %q is not a non-empty string", cfg.Field)
		}
		return map[string]any{"assignedTo": s}, nil
	default:
		return nil, fmt.Errorf("unknown assignee type %q", cfg.AssigneeType)
	}
}

// evaluateCondition applies the decision operator to the input field.
func evaluateCondition(cfg DecisionConfig, accumulated map[string]any) (bool, error) {
	v := accumulated[cfg.Field]

	switch cfg.Operator {
	case "equals":
		return looseEqual(v, cfg.Value), nil
	case "not_equals":
		return !looseEqual(v, cfg.Value), nil
	case "truthy":
		return truthy(v), nil
	case "falsy":
		return !truthy(v), nil
	default:
		return false, fmt.Errorf("unknown operator %q", cfg.Operator)
	}
}

// looseEqual compares two JSON-decoded values. Numbers compare by value
// regardless of representation.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// truthy reports whether a JSON value counts as true: non-nil, non-false,
// non-zero, non-empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// orderedSteps sorts a definition's steps by order index and returns the
// order-index-to-position map used by decision jumps.
func orderedSteps(def *Definition) ([]Step, map[int]int) {
	steps := append([]Step(nil), def.Steps...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].OrderIndex < steps[j].OrderIndex
	})

	positions := make(map[int]int, len(steps))
	for i, st := range steps {
		positions[st.OrderIndex] = i
	}
	return steps, positions
}

// mergeOutput appends a step's output to the accumulated input under the
// step_{orderIndex} key.
func mergeOutput(exec *Execution, orderIndex int, output map[string]any) {
	if exec.AccumulatedInput == nil {
		exec.AccumulatedInput = map[string]any{}
	}
	if output != nil {
		exec.AccumulatedInput[fmt.Sprintf("step_%d", orderIndex)] = output
	}
}

// finish stamps a terminal state on the execution.
func (e *Engine) finish(exec *Execution, status ExecutionStatus, errMsg string) {
	now := e.now().UTC()
	exec.Status = status
	exec.Error = errMsg
	exec.EndedAt = &now
}

func (e *Engine) putExecution(ctx context.Context, exec *Execution) error {
	if _, err := e.executions.Put(ctx, exec.TenantID, exec.ID, exec, 0); err != nil {
		return fmt.Errorf("write execution %s: %w", exec.ID, err)
	}
	return nil
}

func cloneInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// decodeConfig maps a step's free-form config into its typed shape via a
// JSON round trip. Unknown keys are ignored; type mismatches error.
func decodeConfig(config map[string]any, target any) error {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
