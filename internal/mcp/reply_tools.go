package mcp

import (
	"context"
	"errors"
	"fmt"

	"replyassist/internal/agent"
	"replyassist/internal/completion"
	"replyassist/internal/controller"
)

type ReplyStatusTool struct {
	app *agent.App
}

func (t *ReplyStatusTool) Name() string { return "reply-status" }
func (t *ReplyStatusTool) Description() string {
	return `Report where the reply lifecycle stands on the current webmail route.

Returns: {route, thread, compose, mounted, thread_chars, request}
- thread/compose: {state, attempts} of each attachment scheduler (idle, polling, attached, abandoned)
- mounted: whether the control surface is in place for this route
- request: {state, tone, variant, error} of the request controller`
}
func (t *ReplyStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ReplyStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.app.Status(), nil
}

type ListVariantsTool struct {
	app *agent.App
}

func (t *ListVariantsTool) Name() string { return "list-variants" }
func (t *ListVariantsTool) Description() string {
	return `List the reply styles and tones with the labels the control surface shows.

Returns: {locale, variants: [{name, label}], tones: [{name, label}]}`
}
func (t *ListVariantsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListVariantsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	tmpl := t.app.Controller().Templates()
	variants := make([]map[string]string, 0, len(completion.Variants))
	for _, v := range completion.Variants {
		variants = append(variants, map[string]string{"name": string(v), "label": tmpl.Label(v)})
	}
	return map[string]interface{}{
		"locale":   tmpl.Locale,
		"variants": variants,
		"tones": []map[string]string{
			{"name": completion.Accept.String(), "label": tmpl.AcceptLabel},
			{"name": completion.Reject.String(), "label": tmpl.RejectLabel},
		},
	}, nil
}

type SetToneTool struct {
	app *agent.App
}

func (t *SetToneTool) Name() string { return "set-tone" }
func (t *SetToneTool) Description() string {
	return `Switch the tone applied to the next generated reply.

Refused while a request is in flight. The surface is redrawn with the new toggle state.

Returns: the request controller snapshot after the change.`
}
func (t *SetToneTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tone": map[string]interface{}{
				"type": "string",
				"enum": []string{"accept", "reject"},
			},
		},
		"required": []string{"tone"},
	}
}
func (t *SetToneTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tone := getStringArg(args, "tone")
	if tone == "" {
		return nil, fmt.Errorf("tone is required")
	}
	if err := t.app.HandleAction(ctx, agent.Action{Action: "tone", Tone: tone}); err != nil {
		return nil, err
	}
	return t.app.Controller().Snapshot(), nil
}

type PreviewPromptTool struct {
	app *agent.App
}

func (t *PreviewPromptTool) Name() string { return "preview-prompt" }
func (t *PreviewPromptTool) Description() string {
	return `Compose the prompt a generate click would send, without calling the backend.

Uses the thread content captured for the current route. Tone defaults to the surface's current toggle.

Returns: {variant, tone, thread_chars, prompt}`
}
func (t *PreviewPromptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"variant": map[string]interface{}{
				"type": "string",
				"enum": variantNames(),
			},
			"tone": map[string]interface{}{
				"type": "string",
				"enum": []string{"accept", "reject"},
			},
		},
		"required": []string{"variant"},
	}
}
func (t *PreviewPromptTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	v, err := completion.ParseVariant(getStringArg(args, "variant"))
	if err != nil {
		return nil, err
	}
	tone := t.app.Controller().Snapshot().Tone
	if raw := getStringArg(args, "tone"); raw != "" {
		if tone, err = completion.ParseTone(raw); err != nil {
			return nil, err
		}
	}
	thread := t.app.Thread()
	req := completion.NewRequest(thread, tone, v)
	return map[string]interface{}{
		"variant":      v,
		"tone":         tone,
		"thread_chars": len(thread),
		"prompt":       req.Prompt(t.app.Controller().Templates()),
	}, nil
}

type GenerateReplyTool struct {
	app *agent.App
}

func (t *GenerateReplyTool) Name() string { return "generate-reply" }
func (t *GenerateReplyTool) Description() string {
	return `Generate a reply in the given style, exactly as a click on the surface would.

The generated text replaces the compose field contents. Only one request runs at a time;
a call while another is in flight is rejected, not queued.

Set wait=false to return right after submission and poll reply-status instead.

Returns: {request_id, variant, tone, success, text, error, duration_ms}`
}
func (t *GenerateReplyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"variant": map[string]interface{}{
				"type": "string",
				"enum": variantNames(),
			},
			"wait": map[string]interface{}{
				"type":        "boolean",
				"description": "Wait for the outcome (default: true)",
			},
		},
		"required": []string{"variant"},
	}
}
func (t *GenerateReplyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	v, err := completion.ParseVariant(getStringArg(args, "variant"))
	if err != nil {
		return nil, err
	}
	ch, err := t.app.Generate(v)
	if errors.Is(err, controller.ErrBusy) {
		return nil, fmt.Errorf("a reply is already being generated")
	}
	if err != nil {
		return nil, err
	}
	if !getBoolArg(args, "wait", true) {
		return map[string]interface{}{
			"submitted": true,
			"variant":   v,
		}, nil
	}

	select {
	case out := <-ch:
		result := map[string]interface{}{
			"request_id":  out.Request.ID,
			"variant":     out.Request.Variant,
			"tone":        out.Request.Tone,
			"success":     out.Succeeded(),
			"duration_ms": out.Duration.Milliseconds(),
		}
		if out.Err != nil {
			result["error"] = out.Err.Error()
		} else {
			result["text"] = out.Text
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func variantNames() []string {
	names := make([]string, 0, len(completion.Variants))
	for _, v := range completion.Variants {
		names = append(names, string(v))
	}
	return names
}
