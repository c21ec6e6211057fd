package mcp

import (
	"context"
	"fmt"
	"path/filepath"

	"replyassist/internal/mangle"
	"replyassist/internal/recorder"
)

var errNoEngine = fmt.Errorf("fact engine disabled (mangle.enable is false)")

type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the most recent lifecycle facts, oldest first.

Predicates: route_changed, probe_attempt, thread_captured, mount_created, request_state, request_failed.

Returns: {predicate, limit, count, facts}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only facts with this predicate",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default: 25, max: 500)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	predicate := getStringArg(args, "predicate")
	limit := clampLimit(getIntArg(args, "limit", defaultFactLimit))
	facts := recentFacts(t.engine, predicate, limit)
	return map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	}, nil
}

type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query against the lifecycle facts and derived rules.

EXAMPLES:
- request_state(Id, Variant, State, At)
- attached(Scheduler, Route)
- failed_request(Id, Variant, Message)
- mount_created(Route, Node, "adopted", At)

Returns: {query, count, results} with one variable binding per result.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "A single atom, e.g. attached(S, R).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

type CheckViolationsTool struct {
	engine *mangle.Engine
}

func (t *CheckViolationsTool) Name() string { return "check-violations" }
func (t *CheckViolationsTool) Description() string {
	return `Check the lifecycle rules that must never hold: the surface inserted twice during one
visit to a route, or two requests in flight at once. An empty list means the run is clean.

Returns: {ok, violations}`
}
func (t *CheckViolationsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *CheckViolationsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errNoEngine
	}
	violations, err := t.engine.CheckViolations(ctx)
	if err != nil {
		return nil, err
	}
	if violations == nil {
		violations = []mangle.Fact{}
	}
	return map[string]interface{}{
		"ok":         len(violations) == 0,
		"violations": violations,
	}, nil
}

type ReadTraceTool struct {
	recorder *recorder.Recorder
}

func (t *ReadTraceTool) Name() string { return "read-trace" }
func (t *ReadTraceTool) Description() string {
	return `Read a recorded lifecycle trace. Traces are rotated; index 0 is the current run.

Returns: {file, traces, count, events} where events are the last "limit" entries.`
}
func (t *ReadTraceTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"index": map[string]interface{}{
				"type":        "integer",
				"description": "0 = newest trace (default)",
			},
			"kind": map[string]interface{}{
				"type": "string",
				"enum": []string{recorder.KindRoute, recorder.KindProbe, recorder.KindCapture, recorder.KindMount, recorder.KindRequest},
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum events to return (default: 25, max: 500)",
			},
		},
	}
}
func (t *ReadTraceTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.recorder == nil {
		return nil, fmt.Errorf("trace recorder disabled (recorder.enable is false)")
	}
	traces, err := t.recorder.Traces()
	if err != nil {
		return nil, err
	}
	index := getIntArg(args, "index", 0)
	if index < 0 || index >= len(traces) {
		return nil, fmt.Errorf("no trace at index %d (%d available)", index, len(traces))
	}
	events, err := recorder.ReadTrace(traces[index])
	if err != nil {
		return nil, err
	}

	kind := getStringArg(args, "kind")
	if kind != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Kind == kind {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	limit := clampLimit(getIntArg(args, "limit", defaultFactLimit))
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	names := make([]string, len(traces))
	for i, p := range traces {
		names[i] = filepath.Base(p)
	}
	return map[string]interface{}{
		"file":   filepath.Base(traces[index]),
		"traces": names,
		"count":  len(events),
		"events": events,
	}, nil
}
