// Package tools exposes command runs and terminal sessions as MCP tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"hostpanel/broadcast"
	"hostpanel/history"
	"hostpanel/process"
	"hostpanel/runner"
)

const maxOutput = 100 * 1024 // 100KB

type RunCommandArgs struct {
	Command string            `json:"command" jsonschema:"the command to run; without args it is run through the login shell, so pipes and redirection work"`
	Args    []string          `json:"args,omitempty" jsonschema:"arguments for the command; when set the command is executed directly without a shell"`
	Dir     string            `json:"dir,omitempty" jsonschema:"working directory for the command"`
	Meta    map[string]string `json:"meta,omitempty" jsonschema:"key-value metadata attached to every output event of the run (e.g. {\"site\": \"blog\", \"action\": \"enable\"}); runs can be filtered by it later"`
	Wait    *bool             `json:"wait,omitempty" jsonschema:"wait for the command to finish and return its output (default true); set false to get a run id right away"`
	Timeout *int              `json:"timeout_secs,omitempty" jsonschema:"how long to wait when wait is true (default 60); the command keeps running after the timeout"`
}

type ListRunsArgs struct {
	ExitedSinceSecs *int              `json:"exited_since_duration,omitempty" jsonschema:"only include runs that exited within this many seconds ago (default 10). Increase this to see runs that failed further in the past"`
	Meta            map[string]string `json:"meta,omitempty" jsonschema:"only include runs whose metadata contains all of these pairs"`
}

type RunIDArgs struct {
	RunID string `json:"run_id" jsonschema:"the ID of the run (from run_command or list_runs)"`
}

// runOutcome is what run_command and kill_run report.
type runOutcome struct {
	RunID    string `json:"run_id"`
	Running  bool   `json:"running,omitempty"`
	Success  bool   `json:"success"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Runs is what the run tools need.
type Runs struct {
	Runner  *runner.Runner
	History *history.History // optional
	// Exec is the template for started commands.
	Exec process.Spec
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	r := textResult(text)
	r.IsError = true
	return r
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling response: %w", err)
	}
	return textResult(string(data)), nil, nil
}

func outcome(c runner.Completion) runOutcome {
	o := runOutcome{RunID: c.RunID, Success: c.Success()}
	if c.Err != nil {
		o.Error = c.Err.Error()
		return o
	}
	code := c.ExitCode
	o.ExitCode = &code
	return o
}

// RegisterRunTools registers run_command, list_runs, get_run_logs and
// kill_run on the given MCP server.
func RegisterRunTools(server *mcp.Server, runs Runs) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "run_command",
		Description: `Run a host administration command (e.g. "apache2ctl configtest", "a2ensite blog", "certbot renew") and report its exit code and output.

By default this waits for the command to finish and returns the combined stdout/stderr (last ~100KB). A non-zero exit code is reported with success=false; it is not a tool error. Set wait=false for long-running commands and follow them with list_runs and get_run_logs.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunCommandArgs) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(args.Command) == "" {
			return errorResult("command is required"), nil, nil
		}

		spec := runs.Exec
		spec.Command = args.Command
		spec.Args = args.Args
		if args.Dir != "" {
			spec.Dir = args.Dir
		}

		if args.Wait != nil && !*args.Wait {
			run, err := runs.Runner.Run(spec, args.Meta, nil)
			if err != nil {
				return jsonResult(runOutcome{RunID: run.ID(), Error: err.Error()})
			}
			return jsonResult(runOutcome{RunID: run.ID(), Running: true, Success: true})
		}

		run, sub, err := runs.Runner.RunWatched(spec, args.Meta, 0)
		if err != nil {
			return jsonResult(runOutcome{RunID: run.ID(), Error: err.Error()})
		}
		defer sub.Unsubscribe()

		timeout := 60 * time.Second
		if args.Timeout != nil && *args.Timeout > 0 {
			timeout = time.Duration(*args.Timeout) * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var out tail
	collect:
		for {
			select {
			case <-ctx.Done():
				return jsonResult(runOutcome{RunID: run.ID(), Running: true, Output: out.String()})
			case e, ok := <-sub.C():
				if !ok {
					break collect
				}
				out.WriteString(e.Data)
			}
		}

		c, err := run.Wait(ctx)
		if err != nil {
			return jsonResult(runOutcome{RunID: run.ID(), Running: true, Output: out.String()})
		}
		o := outcome(c)
		o.Output = out.String()
		if errors.Is(sub.Err(), broadcast.ErrSlowConsumer) && runs.History != nil {
			// The log file has the whole run even when the watch fell behind.
			if logs, err := runs.History.Logs(run.ID()); err == nil && logs != "" {
				o.Output = logs
			}
		}
		return jsonResult(o)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "list_runs",
		Description: `List command runs with their status (running, exited, failed, unknown), exit code and metadata.

Use it to find the run ID you need for get_run_logs or kill_run, or to check whether a command started earlier has finished.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListRunsArgs) (*mcp.CallToolResult, any, error) {
		if runs.History == nil {
			return jsonResult(runs.Runner.List())
		}
		secs := 10
		if args.ExitedSinceSecs != nil {
			secs = *args.ExitedSinceSecs
		}
		views, err := runs.History.List(history.Filter{
			ExitedSince: time.Duration(secs) * time.Second,
			Meta:        args.Meta,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("listing runs: %w", err)
		}
		return jsonResult(views)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_run_logs",
		Description: `Get the last ~100KB of combined stdout/stderr output of a run.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunIDArgs) (*mcp.CallToolResult, any, error) {
		if args.RunID == "" {
			return errorResult("run_id is required"), nil, nil
		}
		if runs.History == nil {
			return errorResult("run history is disabled"), nil, nil
		}
		logs, err := runs.History.Logs(args.RunID)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(logs), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "kill_run",
		Description: `Stop a running command (SIGTERM to its process group, then SIGKILL after the grace period if still alive). Returns the final exit code.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RunIDArgs) (*mcp.CallToolResult, any, error) {
		if args.RunID == "" {
			return errorResult("run_id is required"), nil, nil
		}
		run, ok := runs.Runner.Get(args.RunID)
		if !ok {
			return errorResult(fmt.Sprintf("run %q is not running", args.RunID)), nil, nil
		}
		if err := run.Terminate(); err != nil && !errors.Is(err, process.ErrNotRunning) {
			return errorResult(err.Error()), nil, nil
		}
		c, err := run.Wait(ctx)
		if err != nil {
			return jsonResult(runOutcome{RunID: args.RunID, Running: true})
		}
		return jsonResult(outcome(c))
	})
}

// tail keeps the last maxOutput bytes written to it.
type tail struct {
	buf []byte
}

func (t *tail) WriteString(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - maxOutput; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tail) String() string {
	return strings.ToValidUTF8(string(t.buf), "")
}
