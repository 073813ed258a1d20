package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rhuss/datachat/pkg/debug"
	"github.com/rhuss/datachat/pkg/llm"
	"github.com/rhuss/datachat/pkg/observability"
	"github.com/rhuss/datachat/pkg/storage"
	"github.com/rhuss/datachat/pkg/tools"
)

// ErrMaxTurns is returned when the model keeps calling tools past the
// turn budget.
var ErrMaxTurns = errors.New("agent exceeded max turns")

// ToolRunner lists and executes tools. tools.Executors implements it.
type ToolRunner interface {
	Definitions(ctx context.Context) ([]tools.ToolDefinition, error)
	Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error)
}

// Agent runs questions against a model with tools.
type Agent struct {
	tools ToolRunner
	store storage.CheckpointStore
	cfg   Config
}

// New creates an agent. A nil runner offers no tools.
func New(runner ToolRunner, store storage.CheckpointStore, cfg Config) *Agent {
	if runner == nil {
		runner = tools.Executors(nil)
	}
	return &Agent{tools: runner, store: store, cfg: cfg}
}

// Input is one question on a thread.
type Input struct {
	ThreadID string
	System   string
	Prompt   string
}

// Result is the outcome of a completed run.
type Result struct {
	Text      string
	Turns     int
	ToolCalls int
	Usage     llm.Usage
}

// Run appends the prompt to the thread and loops until the model answers
// without tool calls. Messages are checkpointed after every turn, so an
// interrupted run keeps its tool results.
func (a *Agent) Run(ctx context.Context, model llm.ChatModel, in Input, sink EventSink) (*Result, error) {
	out := &lockedSink{sink: sink}

	history, err := a.store.Load(ctx, in.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", in.ThreadID, err)
	}

	user := llm.Message{Role: llm.RoleUser, Content: in.Prompt}
	if err := a.store.Append(ctx, in.ThreadID, user); err != nil {
		return nil, fmt.Errorf("saving prompt: %w", err)
	}
	history = append(history, user)

	defs, err := a.tools.Definitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defs = tools.FilterDefinitions(defs, a.cfg.AllowedTools)

	res := &Result{}
	for turn := 1; turn <= a.cfg.maxTurns(); turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Turns = turn
		out.emit(ctx, Event{Type: EventTurnStarted, Turn: turn})
		observability.AgentTurnsTotal.WithLabelValues(model.Name()).Inc()

		resp, err := model.Complete(ctx, &llm.Request{System: in.System, Messages: history, Tools: defs})
		if err != nil {
			out.emit(ctx, Event{Type: EventError, Turn: turn, Error: err.Error()})
			return nil, fmt.Errorf("turn %d: %w", turn, err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		reply := llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls}

		if len(resp.ToolCalls) == 0 {
			if err := a.store.Append(ctx, in.ThreadID, reply); err != nil {
				return nil, fmt.Errorf("saving reply: %w", err)
			}
			out.emit(ctx, Event{Type: EventMessage, Turn: turn, Text: resp.Text})
			res.Text = resp.Text
			debug.Log("agent", "run finished", "thread", in.ThreadID, "turns", turn, "tool_calls", res.ToolCalls)
			return res, nil
		}

		results := a.executeTools(ctx, turn, resp.ToolCalls, out)
		res.ToolCalls += len(results)

		turnMsgs := make([]llm.Message, 0, len(results)+1)
		turnMsgs = append(turnMsgs, reply)
		for i, r := range results {
			turnMsgs = append(turnMsgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    r.Output,
				ToolCallID: r.CallID,
				ToolName:   resp.ToolCalls[i].Name,
				IsError:    r.IsError,
			})
		}
		if err := a.store.Append(ctx, in.ThreadID, turnMsgs...); err != nil {
			return nil, fmt.Errorf("saving turn %d: %w", turn, err)
		}
		history = append(history, turnMsgs...)
	}

	err = fmt.Errorf("%w (%d)", ErrMaxTurns, a.cfg.maxTurns())
	out.emit(ctx, Event{Type: EventError, Turn: res.Turns, Error: err.Error()})
	return nil, err
}

// executeTools runs calls and returns their results in call order.
func (a *Agent) executeTools(ctx context.Context, turn int, calls []tools.ToolCall, out *lockedSink) []tools.ToolResult {
	results := make([]tools.ToolResult, len(calls))

	execOne := func(idx int, call tools.ToolCall) {
		out.emit(ctx, Event{Type: EventToolCall, Turn: turn, ToolCall: &call})
		r := a.executeTool(ctx, call)
		results[idx] = r
		out.emit(ctx, Event{Type: EventToolResult, Turn: turn, ToolCall: &call, ToolResult: &r})
	}

	if a.cfg.ParallelToolCalls && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, tc tools.ToolCall) {
				defer wg.Done()
				execOne(idx, tc)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			execOne(i, call)
		}
	}
	return results
}

// executeTool never fails: executor errors and panics become error
// results the model can react to.
func (a *Agent) executeTool(ctx context.Context, call tools.ToolCall) (result tools.ToolResult) {
	status := "success"
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", call.Name, "call_id", call.ID, "panic", rec)
			result = *tools.ErrorResult(call, "internal error: tool %q panicked", call.Name)
			status = "panic"
		}
		observability.ToolCallsTotal.WithLabelValues(call.Name, status).Inc()
	}()

	debug.Log("agent", "tool call", "tool", call.Name, "call_id", call.ID, "arguments", debug.Truncate(call.Arguments, 300))

	if f := tools.FilterAllowedTools([]tools.ToolCall{call}, a.cfg.AllowedTools); len(f.Rejected) > 0 {
		status = "rejected"
		return f.Rejected[0]
	}

	r, err := a.tools.Execute(ctx, call)
	switch {
	case err != nil:
		slog.Warn("tool execution error", "tool", call.Name, "call_id", call.ID, "error", err)
		status = "error"
		return *tools.ErrorResult(call, "%s", err.Error())
	case r == nil:
		status = "error"
		return *tools.ErrorResult(call, "tool %q returned no result", call.Name)
	}
	if r.IsError {
		status = "tool_error"
	}
	if r.CallID == "" {
		r.CallID = call.ID
	}
	return *r
}
