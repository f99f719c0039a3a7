package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	logx "github.com/chative-companion/server/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonschema"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrToolFailed       = errors.New("tool execution failed")
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid_arguments"
	default:
		return "tool_failed"
	}
}

// Param describes one argument of a tool. It feeds both the schema shown to
// the model and the validator run before dispatch.
type Param struct {
	Type      schema.DataType
	Desc      string
	Required  bool
	Enum      []string
	MaxLength int
}

type Definition struct {
	Name   string
	Desc   string
	Params map[string]*Param
}

func (d Definition) toolInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(d.Params))
	for name, p := range d.Params {
		params[name] = &schema.ParameterInfo{
			Type:     p.Type,
			Desc:     p.Desc,
			Enum:     p.Enum,
			Required: p.Required,
		}
	}
	return &schema.ToolInfo{
		Name:        d.Name,
		Desc:        d.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// JSONSchema renders the argument object schema for d.
func (d Definition) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := []string{}
	for name, p := range d.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Desc != "" {
			prop["description"] = p.Desc
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.MaxLength > 0 {
			prop["maxLength"] = p.MaxLength
		}
		if p.Type == schema.String && p.Required {
			prop["minLength"] = 1
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Tool is a registered tool with its compiled argument schema.
type Tool struct {
	Info    *schema.ToolInfo
	Schema  *jsonschema.Schema
	Handler tool.InvokableTool
}

// NewTool wraps a typed handler the same way every tool in this package is built.
func NewTool[T, D any](def Definition, fn func(ctx context.Context, in *T) (*D, error)) (*Tool, error) {
	info := def.toolInfo()
	raw, err := json.Marshal(def.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", def.Name, err)
	}
	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}
	return &Tool{
		Info:    info,
		Schema:  compiled,
		Handler: utils.NewTool(info, fn),
	}, nil
}

// Registry dispatches model tool calls by name. Dispatch never returns an
// error: every failure becomes a structured error result the model can read.
type Registry struct {
	tools    map[string]*Tool
	order    []string
	handlers []einocb.Handler
	now      func() time.Time
}

func NewRegistry(handlers ...einocb.Handler) *Registry {
	return &Registry{tools: map[string]*Tool{}, handlers: handlers, now: time.Now}
}

func (r *Registry) Register(tools ...*Tool) error {
	for _, t := range tools {
		if t == nil || t.Info == nil {
			return fmt.Errorf("register tool: missing tool info")
		}
		if _, dup := r.tools[t.Info.Name]; dup {
			return fmt.Errorf("register tool %q: already registered", t.Info.Name)
		}
		r.tools[t.Info.Name] = t
		r.order = append(r.order, t.Info.Name)
	}
	return nil
}

// Infos lists the registered tools in registration order.
func (r *Registry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Info)
	}
	return out
}

func (r *Registry) Dispatch(ctx context.Context, call schema.ToolCall) model.ToolResult {
	name := call.Function.Name
	res := model.ToolResult{ToolName: name, EmittedAt: r.now()}

	args, err := decodeArguments(call.Function.Arguments)
	res.Arguments = args
	if err != nil {
		return r.fail(res, fmt.Errorf("%w: %v", ErrInvalidArguments, err))
	}
	t, ok := r.tools[name]
	if !ok {
		return r.fail(res, fmt.Errorf("%w: %q", ErrUnknownTool, name))
	}
	if result := t.Schema.Validate(args); !result.Valid {
		return r.fail(res, fmt.Errorf("%w: %v", ErrInvalidArguments, result.Errors))
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return r.fail(res, fmt.Errorf("%w: %v", ErrInvalidArguments, err))
	}
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      name,
		Type:      "Tool",
		Component: components.ComponentOfTool,
	}, r.handlers...)
	ctx = einocb.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: string(argsJSON)})

	out, err := t.Handler.InvokableRun(ctx, string(argsJSON))
	if err != nil {
		einocb.OnError(ctx, err)
		return r.fail(res, fmt.Errorf("%w: %s: %v", ErrToolFailed, name, err))
	}
	einocb.OnEnd(ctx, &tool.CallbackOutput{Response: out})

	res.Output = decodeOutput(out)
	return res
}

func (r *Registry) fail(res model.ToolResult, err error) model.ToolResult {
	logx.Warn().Err(err).Str("tool", res.ToolName).Msg("tool call failed")
	res.IsError = true
	res.Err = err
	res.Output = map[string]any{
		"error":   errorKind(err),
		"message": err.Error(),
	}
	return res
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func decodeOutput(out string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"result": out}
}

// ToolMessage renders a result as the tool turn appended to the conversation.
func ToolMessage(callID string, res model.ToolResult) *schema.Message {
	b, err := json.Marshal(res.Output)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"error":"tool_failed","message":%q}`, err.Error()))
	}
	return schema.ToolMessage(string(b), callID)
}
