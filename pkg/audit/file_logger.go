package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

const currentLogName = "audit.log"

// FileLogger writes events as JSON lines with size based rotation.
type FileLogger struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	rotate   bool
	maxSize  int64
	maxFiles int
	clock    clockwork.Clock
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // Base directory for audit logs
	Rotate   bool   // Enable log rotation
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of rotated files to keep (default: 10)
	Clock    clockwork.Clock
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/warden/audit",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024,
		MaxFiles: 10,
	}
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	if err := os.MkdirAll(config.BasePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logger := &FileLogger{
		basePath: config.BasePath,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		clock:    config.Clock,
	}
	if logger.maxSize == 0 {
		logger.maxSize = 100 * 1024 * 1024
	}
	if logger.maxFiles == 0 {
		logger.maxFiles = 10
	}
	if logger.clock == nil {
		logger.clock = clockwork.NewRealClock()
	}

	if err := logger.openLogFile(); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.basePath, currentLogName)
}

func (l *FileLogger) openLogFile() error {
	filename := l.currentPath()

	if l.rotate {
		if info, err := os.Stat(filename); err == nil && info.Size() >= l.maxSize {
			if err := l.rotateFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

func (l *FileLogger) rotateFile() error {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}

	timestamp := l.clock.Now().UTC().Format("20060102T150405.000000000")
	var rotated string
	for i := 0; rotated == "" || fileExists(rotated); i++ {
		rotated = filepath.Join(l.basePath, fmt.Sprintf("audit-%s-%03d.log", timestamp, i))
	}
	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	return l.cleanupOldFiles()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *FileLogger) cleanupOldFiles() error {
	files, err := filepath.Glob(filepath.Join(l.basePath, "audit-*.log"))
	if err != nil {
		return err
	}
	if len(files) <= l.maxFiles {
		return nil
	}

	sort.Strings(files)
	for _, file := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", file, err)
		}
	}
	return nil
}

// Log appends an event to the current file.
func (l *FileLogger) Log(_ context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit file logger is closed")
	}

	if l.rotate {
		if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
			if err := l.openLogFile(); err != nil {
				return fmt.Errorf("failed to rotate log file: %w", err)
			}
		}
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the file logger
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadLogs reads up to count events from the current file. count <= 0 reads all.
func (l *FileLogger) ReadLogs(count int) ([]*Event, error) {
	file, err := os.Open(l.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		events = append(events, &event)
		if count > 0 && len(events) >= count {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}
