package logging

import (
	"net/http"
	"time"
)

// DebugTransport logs every outbound HTTP request at debug level.
// Authorization headers are never logged.
type DebugTransport struct {
	Base   http.RoundTripper
	Logger Logger
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	resp, err := base.RoundTrip(req)
	fields := []Field{
		F("method", req.Method),
		F("url", redactSensitiveData(req.URL.Redacted())),
		F("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		t.Logger.Debug("HTTP request failed", append(fields, F("error", err.Error()))...)
		return nil, err
	}
	t.Logger.Debug("HTTP request", append(fields, F("status", resp.StatusCode))...)
	return resp, nil
}

// NewDebugLoggerWithTransport returns the logger plus a logging transport
// when config.EnableDebug is set; the transport is nil otherwise.
func NewDebugLoggerWithTransport(config LogConfig) (Logger, *DebugTransport, error) {
	logger, err := NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	if !config.EnableDebug {
		return logger, nil, nil
	}
	return logger, &DebugTransport{Base: http.DefaultTransport, Logger: logger}, nil
}
