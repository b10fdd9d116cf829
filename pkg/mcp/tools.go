package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/pkg/schema"
)

// handleRun executes a workflow definition, synchronously by default.
func (s *GyreServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}

	initial, errResult := parseInitialParams(req)
	if errResult != nil {
		return errResult, nil
	}

	name := req.GetString("name", "")
	async := req.GetBool("async", false)

	if async {
		runID, err := s.runner.RunDefinition(ctx, def, initial, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", err)), nil
		}
		return marshalResult(map[string]any{"run_id": runID, "status": string(schema.RunStatusRunning)})
	}

	result, err := s.runner.RunDefinitionSync(ctx, def, initial, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	out := map[string]any{
		"run_id":     result.RunID,
		"status":     string(result.Status),
		"outputs":    result.Outputs,
		"iterations": result.Iterations,
	}
	if result.Err != nil {
		out["error"] = result.Err.Error()
	}
	return marshalResult(out)
}

// handleStatus returns the persisted run record, optionally with its events.
func (s *GyreServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, statusErr := s.store.GetRun(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	out := map[string]any{"run": run}
	if req.GetBool("events", false) {
		events, evErr := s.store.GetEvents(ctx, runID, 0)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleTrace returns persisted per-iteration cycle traces.
func (s *GyreServer) handleTrace(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	cycleID := req.GetString("cycle_id", "")

	traces, traceErr := s.store.GetTraces(ctx, runID, cycleID)
	if traceErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace query failed: %v", traceErr)), nil
	}
	return marshalResult(map[string]any{"traces": traces})
}

// handleCancel aborts an active run.
func (s *GyreServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.runner.Executor().Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleSchedule registers a cron-triggered workflow.
func (s *GyreServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowName, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	def, errResult := parseDefinition(req)
	if errResult != nil {
		return errResult, nil
	}
	defRaw, marshalErr := json.Marshal(def)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}

	now := time.Now().UTC()
	nextRun, nextErr := s.scheduler.NextRun(cronExpr, now)
	if nextErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", nextErr)), nil
	}

	sched := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowName:   workflowName,
		CronExpression: cronExpr,
		Definition:     defRaw,
		Enabled:        true,
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}
	if params := mcp.ParseStringMap(req, "params", nil); params != nil {
		if raw, err := json.Marshal(params); err == nil {
			sched.Params = raw
		}
	}

	if createErr := s.store.CreateSchedule(ctx, sched); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"schedule_id": sched.ID,
		"next_run_at": nextRun,
	})
}

// --- Helpers ---

// parseDefinition reads the "definition" object argument into a
// WorkflowDefinition. Returns a tool error result on failure.
func parseDefinition(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	defBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return &def, nil
}

// parseInitialParams reads the "params" object argument keyed by node ID.
func parseInitialParams(req mcp.CallToolRequest) (map[string]map[string]any, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "params", nil)
	if raw == nil {
		return nil, nil
	}
	initial := make(map[string]map[string]any, len(raw))
	for nodeID, v := range raw {
		inputs, ok := v.(map[string]any)
		if !ok {
			return nil, mcp.NewToolResultError(
				fmt.Sprintf("params for node %q must be an object", nodeID))
		}
		initial[nodeID] = inputs
	}
	return initial, nil
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
