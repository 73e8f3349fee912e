package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileSink owns the open log file; derived loggers share it
type fileSink struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	level      LogLevel
	size       int64
	maxSize    int64
	maxBackups int
	rotate     bool
	closed     bool
}

// FileLogger appends JSON lines to a file, rotating it to path.1, path.2, ...
// once it grows past MaxFileSize.
type FileLogger struct {
	sink    *fileSink
	traceID string
}

type FileLoggerConfig struct {
	FilePath      string
	Level         LogLevel
	MaxFileSize   int64
	MaxBackups    int
	RotateEnabled bool
}

func openAppend(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// NewFileLogger opens (or creates) the log file
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, size, err := openAppend(config.FilePath)
	if err != nil {
		return nil, err
	}
	backups := config.MaxBackups
	if backups <= 0 {
		backups = 1
	}
	return &FileLogger{sink: &fileSink{
		file:       file,
		path:       config.FilePath,
		level:      config.Level,
		size:       size,
		maxSize:    config.MaxFileSize,
		maxBackups: backups,
		rotate:     config.RotateEnabled && config.MaxFileSize > 0,
	}}, nil
}

func (s *fileSink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	for i := s.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", s.path, i), fmt.Sprintf("%s.%d", s.path, i+1))
	}
	renameErr := os.Rename(s.path, s.path+".1")

	file, size, err := openAppend(s.path)
	if err != nil {
		s.closed = true
		return err
	}
	s.file = file
	s.size = size
	return renameErr
}

func (l *FileLogger) log(level LogLevel, msg string, fields []Field) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || level < s.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   redactSensitiveData(msg),
		TraceID:   l.traceID,
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if err, ok := f.Value.(error); ok {
				entry.Fields[f.Key] = redactSensitiveData(err.Error())
				continue
			}
			entry.Fields[f.Key] = f.Value
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(LogEntry{Timestamp: entry.Timestamp, Level: entry.Level, Message: msg, TraceID: l.traceID})
	}
	data = append(data, '\n')

	if s.rotate && s.size > 0 && s.size+int64(len(data)) > s.maxSize {
		if err := s.rotateLocked(); err != nil {
			fmt.Fprintf(os.Stderr, "gdmirror: log rotation failed: %v\n", err)
			if s.closed {
				return
			}
		}
	}

	n, err := s.file.Write(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gdmirror: failed to write log entry: %v\n", err)
		return
	}
	s.size += int64(n)
}

func (l *FileLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields) }
func (l *FileLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields) }
func (l *FileLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields) }
func (l *FileLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields) }

func (l *FileLogger) WithTraceID(traceID string) Logger {
	return &FileLogger{sink: l.sink, traceID: traceID}
}

func (l *FileLogger) WithContext(ctx context.Context) Logger {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		return l.WithTraceID(traceID)
	}
	return l
}

func (l *FileLogger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

// Close closes the underlying file. Derived loggers stop writing too.
func (l *FileLogger) Close() error {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
