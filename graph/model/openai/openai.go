// Package openai adapts OpenAI's chat completions API to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kkkqkx123/open-agent/graph/model"
)

const defaultModel = "gpt-4o"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// The adapter converts message and tool shapes and classifies API errors
// into the model taxonomy. It performs no retries of its own; the
// scheduler decides what happens after a failure.
type ChatModel struct {
	client    openaisdk.Client
	modelName string
}

// NewChatModel creates an OpenAI-backed ChatModel. An empty modelName uses
// the adapter default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{
		client:    openaisdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, model.Wrap(m.modelName, ctx.Err())
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(m.modelName, err)
	}
	return convertResponse(m.modelName, resp), nil
}

func convertMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			result = append(result, openaisdk.AssistantMessage(msg.Content))
		case model.RoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openaisdk.UserMessage(msg.Content))
		}
	}
	return result
}

func convertTools(tools []model.ToolSpec) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openaisdk.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Schema),
			},
		}
	}
	return result
}

func convertResponse(modelName string, resp *openaisdk.ChatCompletion) model.Response {
	out := model.Response{
		Model:        modelName,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		var input map[string]any
		if call.Function.Arguments != "" {
			// Malformed arguments surface as an empty input rather than
			// failing the whole response.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}

// classify maps SDK errors to the model taxonomy, preferring the HTTP
// status when the SDK exposes it.
func classify(modelName string, err error) error {
	var apierr *openaisdk.Error
	if errors.As(err, &apierr) {
		return &model.Error{
			Class:   model.ClassifyStatus(apierr.StatusCode),
			Model:   modelName,
			Message: apierr.Error(),
			Cause:   err,
		}
	}
	return model.Wrap(modelName, err)
}
