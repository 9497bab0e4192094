package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainOracle implements Oracle on top of langchaingo's chat models.
type LangchainOracle struct {
	llm   llms.Model
	model string
}

// LangchainConfig configures the langchain-backed oracle.
type LangchainConfig struct {
	APIKey string
	Model  string
}

// NewLangchain creates an oracle backed by an OpenAI chat model.
func NewLangchain(cfg LangchainConfig) (*LangchainOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &LangchainOracle{llm: llm, model: model}, nil
}

// Ask sends a single prompt and returns the raw text response.
func (o *LangchainOracle) Ask(ctx context.Context, prompt string) (string, error) {
	response, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, llms.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("LLM call failed: %w", err)
	}
	return response, nil
}

// Classify sends a prompt expecting structured JSON output and decodes it
// into out, repairing malformed JSON where possible.
func (o *LangchainOracle) Classify(ctx context.Context, prompt string, out any) error {
	response, err := o.Ask(ctx, prompt)
	if err != nil {
		return err
	}
	if err := DecodeStructured(response, out); err != nil {
		log.Warn().
			Str("model", o.model).
			Int("response_chars", len(response)).
			Err(err).
			Msg("failed to decode structured oracle response")
		return err
	}
	return nil
}

// Resolve sends the working transcript with the available tools bound and
// returns the oracle's next turn.
func (o *LangchainOracle) Resolve(ctx context.Context, transcript []TranscriptEntry, tools []ToolSpec) (*Turn, error) {
	messages := make([]llms.MessageContent, 0, len(transcript))
	for _, entry := range transcript {
		switch entry.Role {
		case RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, entry.Content))
		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if entry.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextPart(entry.Content))
			}
			for _, call := range entry.Calls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool args for %s: %w", call.Name, err)
				}
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, mc)
		case RoleToolReply:
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: entry.ToolCallID,
					Name:       entry.ToolName,
					Content:    entry.Content,
				}},
			})
		default:
			return nil, fmt.Errorf("unknown transcript role %q", entry.Role)
		}
	}

	llmTools := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		llmTools = append(llmTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := o.llm.GenerateContent(ctx, messages, llms.WithTools(llmTools), llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("LLM call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	choice := resp.Choices[0]
	turn := &Turn{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		args, err := decodeArgs(tc.FunctionCall.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse arguments for tool %s: %w", tc.FunctionCall.Name, err)
		}
		turn.Calls = append(turn.Calls, ToolCall{
			ID:   tc.ID,
			Name: tc.FunctionCall.Name,
			Args: args,
		})
	}

	return turn, nil
}

// decodeArgs parses a tool-call argument blob, repairing malformed JSON.
func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, err
	}
	return args, nil
}
