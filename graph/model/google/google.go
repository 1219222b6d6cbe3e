// Package google adapts Google's Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kkkqkx123/open-agent/graph/model"
)

const defaultModel = "gemini-1.5-pro"

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// A genai client is created per call because the SDK binds the client to a
// context. Safety-filter blocks surface as ClassContentFiltered.
type ChatModel struct {
	apiKey    string
	modelName string
}

// NewChatModel creates a Gemini-backed ChatModel. An empty modelName uses
// the adapter default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, model.Wrap(m.modelName, ctx.Err())
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return model.Response{}, classify(m.modelName, err)
	}
	defer client.Close() //nolint:errcheck

	gm := client.GenerativeModel(m.modelName)
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		gm.SetTemperature(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		gm.Tools = convertTools(req.Tools)
	}

	system, parts := convertMessages(req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return model.Response{}, classify(m.modelName, err)
	}
	return convertResponse(m.modelName, resp)
}

// convertMessages flattens the conversation into Gemini parts, pulling
// system messages into the system instruction.
func convertMessages(messages []model.Message) (string, []genai.Part) {
	var system string
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return system, parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON-schema object to genai.Schema. Only the
// object/properties/required subset the tool runtime emits is handled.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			prop := &genai.Schema{Type: genai.TypeString}
			if pm, ok := raw.(map[string]any); ok {
				if ts, ok := pm["type"].(string); ok {
					prop.Type = convertType(ts)
				}
				if desc, ok := pm["description"].(string); ok {
					prop.Description = desc
				}
			}
			result.Properties[name] = prop
		}
	}
	switch req := schema["required"].(type) {
	case []string:
		result.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(modelName string, resp *genai.GenerateContentResponse) (model.Response, error) {
	out := model.Response{Model: modelName}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return model.Response{}, &model.Error{
				Class:   model.ClassContentFiltered,
				Model:   modelName,
				Message: fmt.Sprintf("prompt blocked: %v", resp.PromptFeedback.BlockReason),
			}
		}
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return model.Response{}, &model.Error{
			Class:   model.ClassContentFiltered,
			Model:   modelName,
			Message: "response blocked by safety filter",
		}
	}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				if out.Text != "" {
					out.Text += "\n"
				}
				out.Text += string(p)
			case genai.FunctionCall:
				out.ToolCalls = append(out.ToolCalls, model.ToolCall{
					Name:  p.Name,
					Input: p.Args,
				})
			}
		}
	}
	return out, nil
}

// classify maps SDK errors to the model taxonomy, preferring the HTTP
// status when the googleapi error exposes it.
func classify(modelName string, err error) error {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		return &model.Error{
			Class:   model.ClassifyStatus(apierr.Code),
			Model:   modelName,
			Message: apierr.Message,
			Cause:   err,
		}
	}
	return model.Wrap(modelName, err)
}
