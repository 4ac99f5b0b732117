package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Logger interface {
	Log(info *MetricsInfo)
}

// StdoutLogger writes each record as one JSON line through the global
// zap logger.
type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err != nil {
		zap.L().Error("metrics encode failed", zap.Error(err))
		return
	}
	zap.L().Info("metrics", zap.String("record", strings.TrimSpace(infoStr)))
}

const defaultQueueSize = 2000
const defaultLogWriters = 2
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger appends JSON lines to metrics<N> files in LogDir, one per
// writer goroutine, rotating to metrics<N>.<k> once a file reaches
// MaxLogFileSize. When MaxLogFiles rotations exist the oldest is
// overwritten.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
	}

	for i := 0; i < defaultLogWriters; i++ {
		go logger.startLogWriter(i)
	}

	return logger
}

// Log never blocks the request path; records are dropped when the queue
// is full.
func (l *FileLogger) Log(info *MetricsInfo) {
	select {
	case l.MetricsQueue <- info:
	default:
		zap.L().Warn("metrics queue full, record dropped")
	}
}

func (l *FileLogger) startLogWriter(idx int) {
	log := zap.L().With(zap.Int("writer", idx))
	f, err := l.openLogFile(idx)
	if err != nil {
		log.Error("metrics log open failed", zap.Error(err))
	}

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Error("metrics encode failed", zap.Error(err))
			continue
		}
		if f == nil {
			if f, err = l.openLogFile(idx); err != nil {
				continue
			}
		}
		f, err = l.tryRotateLogFile(f, idx)
		if err != nil {
			continue
		}
		if _, err := f.WriteString(infoStr); err != nil {
			log.Error("metrics write failed", zap.Error(err))
			continue
		}
		f.Sync()
	}
	if f != nil {
		f.Close()
	}
}

func (l *FileLogger) logName(idx int) string {
	return fmt.Sprintf("metrics%d", idx)
}

func (l *FileLogger) openLogFile(idx int) (*os.File, error) {
	return os.OpenFile(filepath.Join(l.LogDir, l.logName(idx)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File, idx int) (*os.File, error) {
	log := zap.L().With(zap.Int("writer", idx))
	info, err := currFile.Stat()
	if err != nil {
		log.Warn("metrics log rotation failed", zap.Error(err))
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	currLogFilePath := filepath.Join(l.LogDir, l.logName(idx))
	rotated, err := l.rotationTarget(idx)
	if err != nil {
		log.Warn("metrics log rotation failed", zap.Error(err))
		return currFile, nil
	}

	currFile.Close()
	if err := os.Rename(currLogFilePath, rotated); err != nil {
		log.Warn("metrics log rotation failed", zap.Error(err))
	} else if l.Verbose {
		log.Info("metrics log rotated", zap.String("file", rotated))
	}

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Error("metrics log open failed", zap.Error(err))
	}
	return f, err
}

// rotationTarget returns the first free metrics<idx>.<k> slot or, when
// all are taken, removes and returns the oldest one.
func (l *FileLogger) rotationTarget(idx int) (string, error) {
	for i := 0; i < l.MaxLogFiles; i++ {
		filePath := filepath.Join(l.LogDir, fmt.Sprintf("%s.%d", l.logName(idx), i))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			return filePath, nil
		}
	}

	entries, err := os.ReadDir(l.LogDir)
	if err != nil {
		return "", err
	}
	var oldest string
	oldestTime := time.Now()
	prefix := l.logName(idx) + "."
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(oldestTime) {
			oldest = e.Name()
			oldestTime = fi.ModTime()
		}
	}
	if len(oldest) == 0 {
		oldest = fmt.Sprintf("%s.%d", l.logName(idx), 0)
	}
	target := filepath.Join(l.LogDir, oldest)
	if l.Verbose {
		zap.L().Info("maximum number of metrics logs reached", zap.String("overwriting", target))
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return target, nil
}
