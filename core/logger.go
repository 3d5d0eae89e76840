package core

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
)

// ProductionLogger emits structured JSON log lines suitable for log
// aggregation. It implements ComponentAwareLogger so subsystems can tag
// their own component name while sharing one configuration.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	output      io.Writer
}

// NewProductionLogger creates a logger from LoggingConfig
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		output:      output,
	}
}

// WithComponent returns a copy of the logger tagged with a component name
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.log("INFO", msg, fields) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.log("ERROR", msg, fields) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.log("WARN", msg, fields) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.log("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log("INFO", msg, p.withRequestID(ctx, fields))
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log("ERROR", msg, p.withRequestID(ctx, fields))
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log("WARN", msg, p.withRequestID(ctx, fields))
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.log("DEBUG", msg, p.withRequestID(ctx, fields))
	}
}

type requestIDKey struct{}

// WithRequestID stores a request ID in the context for log correlation
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts a request ID previously stored with WithRequestID
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (p *ProductionLogger) withRequestID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["request_id"] = id
	return out
}

func (p *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if !p.shouldLog(level) {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg
	if p.serviceName != "" {
		entry["service"] = p.serviceName
	}
	if p.component != "" {
		entry["component"] = p.component
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// Fields that fail to marshal must not drop the log line
		line, _ = json.Marshal(map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     level,
			"message":   msg,
			"log_error": err.Error(),
		})
	}
	_, _ = p.output.Write(append(line, '\n'))
}

func (p *ProductionLogger) shouldLog(level string) bool {
	rank := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	min, ok := rank[strings.ToUpper(p.level)]
	if !ok {
		min = 1
	}
	return rank[level] >= min
}
