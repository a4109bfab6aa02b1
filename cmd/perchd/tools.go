package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/kvstore"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/tools"
)

// bashOutputCap bounds tool output fed back into the session.
const bashOutputCap = 8000

// registerTools wires the built-in toolset into the bridge.
func registerTools(bridge *tools.Bridge, goalStore *goals.Store, kv *kvstore.Store) {
	bridge.Register(tools.Definition{
		Name:        "bash",
		Description: "Run a shell command and return combined output",
	}, func(ctx context.Context, params map[string]any) (string, error) {
		command, _ := params["command"].(string)
		if strings.TrimSpace(command) == "" {
			return "", fmt.Errorf("bash: command parameter is required")
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		text := string(out)
		if len(text) > bashOutputCap {
			text = text[:bashOutputCap] + "\n[output truncated]"
		}
		if err != nil {
			return text, fmt.Errorf("bash: %w", err)
		}
		return text, nil
	})

	bridge.Register(tools.Definition{
		Name:        "list_goals",
		Description: "List goals as JSON, optionally filtered by status",
	}, func(_ context.Context, params map[string]any) (string, error) {
		var f goals.Filter
		if status, _ := params["status"].(string); status != "" {
			f.Statuses = []models.GoalStatus{models.GoalStatus(status)}
		}
		data, err := json.MarshalIndent(goalStore.List(f), "", "  ")
		if err != nil {
			return "", fmt.Errorf("list_goals: %w", err)
		}
		return string(data), nil
	})

	bridge.Register(tools.Definition{
		Name:        "memory_get",
		Description: "Read a K/V memory document by key",
	}, func(_ context.Context, params map[string]any) (string, error) {
		key, _ := params["key"].(string)
		if key == "" {
			return "", fmt.Errorf("memory_get: key parameter is required")
		}
		doc, err := kv.Get(key)
		if err != nil {
			return "", err
		}
		if doc == nil {
			return "", fmt.Errorf("memory not found: %s", key)
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	bridge.Register(tools.Definition{
		Name:        "memory_set",
		Description: "Shallow-merge fields into a K/V memory document",
	}, func(_ context.Context, params map[string]any) (string, error) {
		key, _ := params["key"].(string)
		if key == "" {
			return "", fmt.Errorf("memory_set: key parameter is required")
		}
		fields, _ := params["fields"].(map[string]any)
		if len(fields) == 0 {
			return "", fmt.Errorf("memory_set: fields parameter is required")
		}
		if err := kv.Set(key, fields); err != nil {
			return "", err
		}
		return "ok", nil
	})

	bridge.Register(tools.Definition{
		Name:        "run_chain",
		Description: "Execute a JSON plan of sequential tool steps",
	}, func(ctx context.Context, params map[string]any) (string, error) {
		return runChain(ctx, bridge, params)
	})
}

// chainStep is one entry of a run_chain plan.
type chainStep struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// runChain executes plan steps in order, stopping at the first failure
// so later steps never run against a broken precondition.
func runChain(ctx context.Context, bridge *tools.Bridge, params map[string]any) (string, error) {
	plan, _ := params["plan"].(string)
	if strings.TrimSpace(plan) == "" {
		return "", fmt.Errorf("run_chain: plan parameter is required")
	}
	var steps []chainStep
	if err := json.Unmarshal([]byte(plan), &steps); err != nil {
		return "", fmt.Errorf("run_chain: invalid plan: %w", err)
	}
	if len(steps) == 0 {
		return "", fmt.Errorf("run_chain: plan has no steps")
	}

	var sb strings.Builder
	for i, step := range steps {
		if step.Tool == "run_chain" {
			return sb.String(), fmt.Errorf("run_chain: nested chains are not allowed (step %d)", i+1)
		}
		out, err := bridge.Execute(ctx, step.Tool, step.Params)
		fmt.Fprintf(&sb, "[step %d: %s]\n%s\n", i+1, step.Tool, out)
		if err != nil {
			return sb.String(), fmt.Errorf("run_chain: step %d (%s) failed: %w", i+1, step.Tool, err)
		}
	}
	return sb.String(), nil
}
