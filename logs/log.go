package logs

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var logLevel atomic.Int32

// NodeLabel 日志行首的节点标识，由 cmd 启动时设置
var NodeLabel = "node"

// 全局 Logger 实例
var logger atomic.Pointer[Logger]

// Logger 结构体
type Logger struct {
	traceLogger   *log.Logger
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

func newLogger(out, errOut io.Writer) *Logger {
	return &Logger{
		traceLogger:   log.New(out, "[TRACE]   ", logFlags),
		debugLogger:   log.New(out, "[DEBUG]   ", logFlags),
		verboseLogger: log.New(out, "[VERBOSE] ", logFlags),
		infoLogger:    log.New(out, "[INFO]    ", logFlags),
		warnLogger:    log.New(out, "[WARN]    ", logFlags),
		errorLogger:   log.New(errOut, "[ERROR]   ", logFlags),
	}
}

// 初始化全局 Logger 实例
func init() {
	logLevel.Store(LevelInfo)
	logger.Store(newLogger(os.Stdout, os.Stderr))
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	if level < LevelTrace {
		level = LevelTrace
	}
	if level > LevelError {
		level = LevelError
	}
	logLevel.Store(int32(level))
}

// GetLevel 返回当前日志级别
func GetLevel() int {
	return int(logLevel.Load())
}

// ParseLevel 把配置里的级别名转换为级别常量
func ParseLevel(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// SetOutput 把所有级别重定向到 w（测试里用来捕获日志）
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w, w))
}

func emit(l *log.Logger, format string, v ...interface{}) {
	// calldepth 3: emit -> Info/Warn... -> 调用方
	_ = l.Output(3, NodeLabel+" "+fmt.Sprintf(format, v...))
}

// 包级别的日志方法
func Trace(format string, v ...interface{}) {
	if GetLevel() <= LevelTrace {
		emit(logger.Load().traceLogger, format, v...)
	}
}

func Debug(format string, v ...interface{}) {
	if GetLevel() <= LevelDebug {
		emit(logger.Load().debugLogger, format, v...)
	}
}

func Verbose(format string, v ...interface{}) {
	if GetLevel() <= LevelVerbose {
		emit(logger.Load().verboseLogger, format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if GetLevel() <= LevelInfo {
		emit(logger.Load().infoLogger, format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if GetLevel() <= LevelWarning {
		emit(logger.Load().warnLogger, format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if GetLevel() <= LevelError {
		emit(logger.Load().errorLogger, format, v...)
	}
}
