package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rallymcp/rally-mcp/pkg/formatter"
)

const loggerName = "rally-mcp"

type callIDKey struct{}

// CallID returns the id instrument assigned to the current tool call.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// instrument logs every call of a tool, forwards the outcome to the client
// log and turns panics into error results.
func instrument(tool string, next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcptypes.CallToolRequest) (result *mcptypes.CallToolResult, err error) {
		callID := uuid.NewString()
		ctx = context.WithValue(ctx, callIDKey{}, callID)
		log := slog.With("tool", tool, "call_id", callID)
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				log.Error("tool panicked", "panic", r, "stack", string(debug.Stack()))
				result = mcptypes.NewToolResultError(fmt.Sprintf("Error in %s: internal error", tool))
				err = nil
			}
			elapsed := time.Since(start)
			switch {
			case err != nil:
				log.Error("tool failed", "error", err, "elapsed", elapsed)
				notifyClient(ctx, mcptypes.LoggingLevelError, fmt.Sprintf("Error in %s: %v", tool, err))
			case result != nil && result.IsError:
				text := resultText(result)
				log.Warn("tool returned error", "message", text, "elapsed", elapsed)
				notifyClient(ctx, mcptypes.LoggingLevelError, text)
			default:
				log.Info("tool succeeded", "elapsed", elapsed)
				notifyClient(ctx, mcptypes.LoggingLevelInfo, tool+": "+resultText(result))
			}
		}()

		log.Debug("tool called", "arguments", req.GetArguments())
		return next(ctx, req)
	}
}

// notifyClient sends a log notification to the session in ctx, if any.
// Delivery failures are only logged.
func notifyClient(ctx context.Context, level mcptypes.LoggingLevel, message string) {
	srv := mcpserver.ServerFromContext(ctx)
	if srv == nil {
		return
	}
	data := formatter.Truncate(message, formatter.MaxLogLength)
	notification := mcptypes.NewLoggingMessageNotification(level, loggerName, data)
	if err := srv.SendLogMessageToClient(ctx, notification); err != nil {
		slog.Debug("cannot send log notification", "call_id", CallID(ctx), "error", err)
	}
}

func resultText(result *mcptypes.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcptypes.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
