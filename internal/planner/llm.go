package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const systemPrompt = `You are the planning component of an OS-control agent.
Turn the user's command into a short ordered plan of concrete steps, each
dispatched to one capability: desktop (mouse/keyboard), browser (web
automation), system (shell commands and files), or application (install,
uninstall, update software).

If the command is ambiguous or missing required details, call
ask_clarification with the questions instead of guessing. Otherwise call
propose_plan exactly once. Never answer with free text.`

// LLM implements Service with a single tool-call round trip against an
// OpenAI-compatible model. One structured retry on transport failure; the
// state machine never re-enters the model mid-plan.
type LLM struct {
	Model    llms.Model
	Timeout  time.Duration
	MaxSteps int
}

func NewLLM(model llms.Model) *LLM {
	return &LLM{
		Model:    model,
		Timeout:  60 * time.Second,
		MaxSteps: 20,
	}
}

func (l *LLM) Interpret(ctx context.Context, command string, history []string) (*Outcome, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
	}
	for _, h := range history {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(h)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(command)},
	})

	resp, err := l.generateWithRetry(ctx, messages)
	if err != nil {
		return nil, &InterpretationError{Err: err}
	}

	if len(resp.Choices) == 0 {
		return nil, &InterpretationError{Err: fmt.Errorf("model returned no choices")}
	}
	choice := resp.Choices[0]

	for _, tc := range choice.ToolCalls {
		switch tc.FunctionCall.Name {
		case "propose_plan":
			return l.parsePlan(tc.FunctionCall.Arguments)
		case "ask_clarification":
			return parseClarification(tc.FunctionCall.Arguments)
		}
	}

	// A bare text reply is treated as the model asking for direction.
	if choice.Content != "" {
		return &Outcome{Questions: []string{choice.Content}}, nil
	}

	return nil, &InterpretationError{Err: fmt.Errorf("model returned neither a plan nor a clarification")}
}

func (l *LLM) generateWithRetry(ctx context.Context, messages []llms.MessageContent) (*llms.ContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, l.Timeout)
		resp, err := l.Model.GenerateContent(callCtx, messages, llms.WithTools(plannerTools))
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (l *LLM) parsePlan(arguments string) (*Outcome, error) {
	var payload struct {
		Steps []ProposedStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
		return nil, &InterpretationError{Err: fmt.Errorf("failed to parse propose_plan arguments: %w", err)}
	}
	if len(payload.Steps) == 0 {
		return nil, &InterpretationError{Err: fmt.Errorf("propose_plan returned no steps")}
	}
	if len(payload.Steps) > l.MaxSteps {
		return nil, &InterpretationError{Err: fmt.Errorf("plan has %d steps, limit is %d", len(payload.Steps), l.MaxSteps)}
	}
	return &Outcome{Steps: payload.Steps}, nil
}

func parseClarification(arguments string) (*Outcome, error) {
	var payload struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
		return nil, &InterpretationError{Err: fmt.Errorf("failed to parse ask_clarification arguments: %w", err)}
	}
	if len(payload.Questions) == 0 {
		return nil, &InterpretationError{Err: fmt.Errorf("ask_clarification returned no questions")}
	}
	return &Outcome{Questions: payload.Questions}, nil
}

var plannerTools = []llms.Tool{
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "propose_plan",
			Description: "Submit an ordered plan of steps to fulfil the user's command.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"kind": map[string]any{
									"type": "string",
									"enum": []string{"desktop", "browser", "system", "application"},
								},
								"description": map[string]any{
									"type":        "string",
									"description": "Human-readable summary shown in confirmation prompts",
								},
								"action": map[string]any{
									"type":        "object",
									"description": "Capability-specific action descriptor with an 'action' field",
								},
							},
							"required": []string{"kind", "description", "action"},
						},
					},
				},
				"required": []string{"steps"},
			},
		},
	},
	{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "ask_clarification",
			Description: "Ask the user clarifying questions when the command is ambiguous.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"questions": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"questions"},
			},
		},
	},
}
