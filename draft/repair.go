package draft

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/changeops/governance"
	"github.com/c360studio/changeops/llm"
	"github.com/c360studio/changeops/pack"
)

// maxRepairRounds bounds how many times validation errors are sent back to
// the producer before the pipeline gives up.
const maxRepairRounds = 3

const systemPrompt = `You are a package designer for a workflow platform.
Given a plain-language description, produce ONE application package as JSON.

The package schema:
{
  "packageKey": "vibe.<short-app-name>",
  "version": "1.0.0",
  "recordTypes": [{"key": "...", "name": "...", "baseType": "...", "fields": [{"name": "...", "type": "string|number|boolean|date|reference", "required": false, "reference": "<recordTypeKey>"}]}],
  "slaPolicies": [{"recordTypeKey": "...", "durationMinutes": 0}],
  "assignmentRules": [{"recordTypeKey": "...", "strategyType": "user|group|field", "config": {"groupKey": "...", "userId": "...", "field": "..."}}],
  "workflows": [{"key": "...", "name": "...", "recordTypeKey": "...", "triggerEvent": "...", "steps": [{"name": "...", "stepType": "assignment|approval|notification|decision", "ordering": 1, "config": {}}]}],
  "roles": [{"key": "...", "name": "..."}]
}

Rules:
- record type keys are unique, lowercase, singular
- every recordTypeKey reference must resolve to a record type in this package
- baseType, if set, must name another record type in this package
- step ordering values are unique within a workflow
- respond with the JSON object only, no prose`

// buildGenerateMessages assembles the producer conversation for a fresh
// generation or a refinement seeded with the prior package.
func buildGenerateMessages(prompt, appName string, seed *pack.Package) ([]llm.Message, error) {
	user := prompt
	if appName != "" {
		user = fmt.Sprintf("App name: %s\n\n%s", appName, prompt)
	}

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}

	if seed != nil {
		seedJSON, err := json.Marshal(seed)
		if err != nil {
			return nil, fmt.Errorf("marshal seed package: %w", err)
		}
		messages = append(messages, llm.Message{
			Role: "user",
			Content: fmt.Sprintf("Here is the current package:\n```json\n%s\n```\n\nRevise it per this instruction, keeping everything not mentioned unchanged:\n%s",
				seedJSON, user),
		})
	} else {
		messages = append(messages, llm.Message{Role: "user", Content: user})
	}

	return messages, nil
}

// buildRepairMessage asks the producer to fix a candidate that failed
// validation, quoting the structured errors verbatim.
func buildRepairMessage(candidate *pack.Package, errs []pack.ValidationError) (llm.Message, error) {
	candidateJSON, err := json.Marshal(candidate)
	if err != nil {
		return llm.Message{}, fmt.Errorf("marshal candidate package: %w", err)
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return llm.Message{}, fmt.Errorf("marshal validation errors: %w", err)
	}

	return llm.Message{
		Role: "user",
		Content: fmt.Sprintf("Your package failed validation.\n\nPackage:\n```json\n%s\n```\n\nErrors:\n```json\n%s\n```\n\nReturn the corrected package as JSON only.",
			candidateJSON, errsJSON),
	}, nil
}

// parsePackage extracts and decodes a package from raw producer output.
func parsePackage(content string) (*pack.Package, error) {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in producer response")
	}

	var p pack.Package
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode package JSON: %w", err)
	}
	if strings.TrimSpace(p.PackageKey) == "" {
		return nil, fmt.Errorf("producer response missing packageKey")
	}
	return &p, nil
}

// emitFunc receives pipeline stage events. A nil emitFunc disables streaming.
type emitFunc func(StreamEvent)

// tokenChunkSize is the frame size for token streaming, in runes.
const tokenChunkSize = 48

// tokenChunks slices raw producer output into frames for token-streaming
// consumers. Concatenating the chunks reproduces the output exactly.
func tokenChunks(content string) []string {
	runes := []rune(content)
	chunks := make([]string, 0, len(runes)/tokenChunkSize+1)
	for start := 0; start < len(runes); start += tokenChunkSize {
		end := start + tokenChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// runRepairLoop drives the generate/validate/repair pipeline: call the
// producer, validate the candidate, and feed structured errors back for up to
// maxRepairRounds rounds. It returns a RepairResult even when validation
// never converged (Success=false); a hard producer failure returns an error.
// With withTokens set, each producer response is re-emitted as token frames
// on the generation (or repair) stage.
func (e *Engine) runRepairLoop(ctx context.Context, prompt, appName string, seed *pack.Package, emit emitFunc, withTokens bool) (*RepairResult, error) {
	send := func(ev StreamEvent) {
		if emit != nil {
			emit(ev)
		}
	}

	messages, err := buildGenerateMessages(prompt, appName, seed)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{ValidationErrors: []pack.ValidationError{}}
	var candidate *pack.Package

	for attempt := 1; attempt <= 1+maxRepairRounds; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt == 1 {
			send(StreamEvent{Stage: StageGeneration, Attempt: attempt})
		} else {
			send(StreamEvent{Stage: StageRepair, Attempt: attempt})
		}

		resp, err := e.producer.Complete(ctx, llm.Request{Messages: messages})
		if err != nil {
			return nil, governance.WrapError(governance.CodeProducerError, err, "producer call failed")
		}
		result.Attempts = attempt

		if withTokens {
			stage := StageGeneration
			if attempt > 1 {
				stage = StageRepair
			}
			for _, chunk := range tokenChunks(resp.Content) {
				send(StreamEvent{Stage: stage, Attempt: attempt, Tokens: chunk})
			}
		}

		candidate, err = parsePackage(resp.Content)
		if err != nil {
			// Unparseable output is treated like a validation failure and
			// sent back for repair.
			result.ValidationErrors = []pack.ValidationError{{
				Code:    pack.CodeInvalidOp,
				Message: err.Error(),
			}}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: "That was not a valid JSON package. Return the package as a single JSON object only."})
			continue
		}

		send(StreamEvent{Stage: StageValidation, Attempt: attempt})
		errs := pack.Validate(candidate)
		result.Package = candidate
		result.ValidationErrors = errs

		checksum, err := pack.Checksum(candidate)
		if err != nil {
			return nil, fmt.Errorf("checksum candidate: %w", err)
		}
		result.Checksum = checksum

		if len(errs) == 0 {
			result.Success = true
			return result, nil
		}

		if attempt <= maxRepairRounds {
			repairMsg, err := buildRepairMessage(candidate, errs)
			if err != nil {
				return nil, err
			}
			messages = append(messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				repairMsg)
		}
	}

	return result, nil
}
