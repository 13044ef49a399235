// Package toolserver exposes the orchestrator's MCP tool surface at /mcp.
// Worker and supervisor agents reach it through URLs tagged with
// ?task_id=<id>&role=worker|supervisor; the tags bind every call to its task
// without the caller restating it.
package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/audit"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/policy"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/task/store"
	"github.com/dispatchd/dispatchd/internal/task/stream"
)

// autoFinalizeDelay is how long a deferred completion may wait for the
// supervisor before the watchdog finalizes it.
const autoFinalizeDelay = 5 * time.Minute

// TaskRuntime is the slice of the worker pool the tool server drives.
type TaskRuntime interface {
	StartTask(taskID string) error
	StopTask(taskID string)
	WorkerRunning(taskID string) bool
	SupervisorActive(taskID string) bool
	RequestSupervisorCheck(taskID string)
	StartWorkerWithPrompt(taskID, prompt string) error
}

// Server owns the MCP server and its tool handlers.
type Server struct {
	tasks    *store.Manager
	pool     TaskRuntime
	sched    *scheduler.Scheduler
	registry *mcpregistry.Registry
	policy   *policy.Policy
	auditLog *audit.Log
	bus      bus.EventBus
	runner   *runner.Runner
	cfg      *config.Config
	logger   *logger.Logger

	mcpLogPath    string
	restart       func(reason string)
	finalizeDelay time.Duration

	mcp     *server.MCPServer
	handler http.Handler
}

// New wires the tool server. restart is invoked by app_restart; it may be
// nil when restarting is not supported.
func New(tasks *store.Manager, pool TaskRuntime, sched *scheduler.Scheduler,
	registry *mcpregistry.Registry, pol *policy.Policy, auditLog *audit.Log,
	eventBus bus.EventBus, run *runner.Runner, cfg *config.Config,
	restart func(reason string), log *logger.Logger) *Server {

	s := &Server{
		tasks:         tasks,
		pool:          pool,
		sched:         sched,
		registry:      registry,
		policy:        pol,
		auditLog:      auditLog,
		bus:           eventBus,
		runner:        run,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "toolserver")),
		mcpLogPath:    cfg.Paths.LogDir + "/mcp-calls.log",
		restart:       restart,
		finalizeDelay: autoFinalizeDelay,
	}

	s.mcp = server.NewMCPServer(
		"dispatchd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerInfraTools()
	s.registerTaskTools()
	s.registerWorkerTools()

	streamable := server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(tagFromURL),
		server.WithStateLess(true),
	)
	s.handler = s.authMiddleware(streamable)
	return s
}

// Handler returns the HTTP handler to mount at /mcp.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// callMeta carries the URL tags bound to one request.
type callMeta struct {
	TaskID string
	Role   string
}

type metaKey struct{}

// tagFromURL extracts ?task_id=&role= into the request context.
func tagFromURL(ctx context.Context, r *http.Request) context.Context {
	q := r.URL.Query()
	return context.WithValue(ctx, metaKey{}, callMeta{
		TaskID: q.Get("task_id"),
		Role:   q.Get("role"),
	})
}

func metaFrom(ctx context.Context) callMeta {
	if m, ok := ctx.Value(metaKey{}).(callMeta); ok {
		return m
	}
	return callMeta{}
}

// authMiddleware enforces the shared token when one is configured. Both the
// X-MCP-Token header and a bearer token are accepted.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.MCP.Token
		if token != "" {
			got := r.Header.Get("X-MCP-Token")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if got != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// mcpCallRecord is one line of mcp-calls.log.
type mcpCallRecord struct {
	Timestamp time.Time `json:"ts"`
	Tool      string    `json:"tool"`
	TaskID    string    `json:"task_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Args      string    `json:"args"`
	Result    string    `json:"result"`
	IsError   bool      `json:"is_error"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// addTool registers a tool wrapped with call logging, per-task event-stream
// writes, and worker activity tracking.
func (s *Server) addTool(tool mcp.Tool, h server.ToolHandlerFunc) {
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		meta := metaFrom(ctx)
		start := time.Now()

		res, err := h(ctx, req)

		isError := err != nil
		resultSummary := ""
		if err != nil {
			resultSummary = err.Error()
		} else if res != nil {
			isError = res.IsError
			resultSummary = resultText(res)
		}
		argsSummary := summarizeArgs(req.GetArguments())

		_ = fsutil.AppendJSONL(s.mcpLogPath, mcpCallRecord{
			Timestamp: time.Now().UTC(),
			Tool:      tool.Name,
			TaskID:    meta.TaskID,
			Role:      meta.Role,
			Args:      truncate(argsSummary, 500),
			Result:    truncate(resultSummary, 500),
			IsError:   isError,
			ElapsedMS: time.Since(start).Milliseconds(),
		})

		if meta.TaskID != "" {
			if t, terr := s.tasks.Get(meta.TaskID); terr == nil {
				_ = stream.ForTask(t.WorkDir).Append(stream.Entry{
					Role:          meta.Role,
					Tool:          tool.Name,
					ArgsSummary:   truncate(argsSummary, 300),
					ResultSummary: truncate(resultSummary, 300),
					IsError:       isError,
					TaskID:        meta.TaskID,
				})
			}
			if meta.Role == "worker" {
				s.tasks.TouchWorkerActivity(meta.TaskID)
			}
		}
		return res, err
	})
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// jsonResult marshals v into a text tool result.
func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(data))
}
