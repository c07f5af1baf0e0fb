// Package requestctx carries request-scoped values shared by middleware, handlers and services.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
	callerKey struct{}
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Caller is filled in by authentication middleware that runs after the request logger has captured the
// context, so the logger can still report who made the request.
type Caller struct {
	mu     sync.RWMutex
	userID string
	role   string
}

// Set records the authenticated user.
func (c *Caller) Set(userID, role string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.userID, c.role = userID, role
	c.mu.Unlock()
}

// Get returns the recorded user and role.
func (c *Caller) Get() (userID, role string) {
	if c == nil {
		return "", ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.role
}

// WithCaller attaches an empty Caller slot to ctx.
func WithCaller(ctx context.Context) (context.Context, *Caller) {
	caller := &Caller{}
	return context.WithValue(ctx, callerKey{}, caller), caller
}

// CallerFrom returns the slot attached by WithCaller, or nil.
func CallerFrom(ctx context.Context) *Caller {
	if ctx == nil {
		return nil
	}
	caller, _ := ctx.Value(callerKey{}).(*Caller)
	return caller
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a real logger was stored on ctx.
func HasLogger(ctx context.Context) bool {
	return Logger(ctx) != noopLogger
}

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey{}, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
