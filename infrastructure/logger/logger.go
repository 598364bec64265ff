package logger

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// timestampFormat is the date/time prefix attached to every log message.
const timestampFormat = "2006-01-02 15:04:05.000"

type logEntry struct {
	log   []byte
	level Level
}

// Logger is a subsystem logger. All messages are tagged with the subsystem's
// tag and routed through the owning backend.
type Logger struct {
	levelValue uint32 // actually a Level, accessed atomically
	tag        string
	backend    *Backend
	writeChan  chan<- logEntry
}

var (
	backendLog = NewBackend()

	subsystemsMutex sync.Mutex
	subsystems      = make(map[string]*Logger)
)

// RegisterSubSystem returns a logger for the given subsystem tag, creating it
// if it wasn't registered yet. Loggers for the same tag are shared.
func RegisterSubSystem(subsystem string) *Logger {
	subsystemsMutex.Lock()
	defer subsystemsMutex.Unlock()

	logger, ok := subsystems[subsystem]
	if !ok {
		logger = backendLog.Logger(subsystem)
		subsystems[subsystem] = logger
	}
	return logger
}

// InitLog attaches the log file and error log file to the backend log and
// starts it.
func InitLog(logFile, errLogFile string) {
	err := backendLog.AddLogFile(logFile, LevelTrace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding log file %s as log rotator for level %s: %s", logFile, LevelTrace, err)
		os.Exit(1)
	}
	err = backendLog.AddLogFile(errLogFile, LevelWarn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding log file %s as log rotator for level %s: %s", errLogFile, LevelWarn, err)
		os.Exit(1)
	}
	err = backendLog.AddLogWriter(os.Stdout, LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error adding stdout to the loggerfor level %s: %s", LevelInfo, err)
		os.Exit(1)
	}
	err = backendLog.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting the logger: %s ", err)
		os.Exit(1)
	}
}

// SetLogLevels sets the logging level for all of the registered subsystems.
// An invalid level string leaves the current levels untouched and returns
// false.
func SetLogLevels(logLevel string) bool {
	level, ok := LevelFromString(logLevel)
	if !ok {
		return false
	}

	subsystemsMutex.Lock()
	defer subsystemsMutex.Unlock()
	for _, logger := range subsystems {
		logger.SetLevel(level)
	}
	return true
}

// BackendLog returns the backend log shared by all subsystem loggers.
func BackendLog() *Backend {
	return backendLog
}

// Level returns the current logging level of the logger.
func (l *Logger) Level() Level {
	return Level(atomic.LoadUint32(&l.levelValue))
}

// SetLevel changes the logging level of the logger.
func (l *Logger) SetLevel(level Level) {
	atomic.StoreUint32(&l.levelValue, uint32(level))
}

// print outputs a log message to the backend's writeChan if the logging
// level permits it.
func (l *Logger) print(level Level, args ...interface{}) {
	if l.Level() > level {
		return
	}
	l.write(level, fmt.Sprint(args...))
}

// printf outputs a formatted log message to the backend's writeChan if the
// logging level permits it.
func (l *Logger) printf(level Level, format string, args ...interface{}) {
	if l.Level() > level {
		return
	}
	l.write(level, fmt.Sprintf(format, args...))
}

func (l *Logger) write(level Level, message string) {
	timestamp := time.Now().Format(timestampFormat)

	var callSite string
	if l.backend.flag&(LogFlagShortFile|LogFlagLongFile) != 0 {
		callSite = " " + l.callSite()
	}

	formatted := fmt.Sprintf("%s [%s] %s%s: %s\n", timestamp, level, l.tag, callSite, message)
	l.writeChan <- logEntry{log: []byte(formatted), level: level}
}

// callSite returns the file and line of the logging callsite, formatted
// according to the backend's flags.
func (l *Logger) callSite() string {
	_, file, line, ok := runtime.Caller(4)
	if !ok {
		return "<?>"
	}
	if l.backend.flag&LogFlagShortFile != 0 {
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if os.IsPathSeparator(file[i]) {
				short = file[i+1:]
				break
			}
		}
		file = short
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Trace formats a message using the default formats for its operands and
// writes it at the trace level.
func (l *Logger) Trace(args ...interface{}) {
	l.print(LevelTrace, args...)
}

// Tracef formats a message according to a format specifier and writes it
// at the trace level.
func (l *Logger) Tracef(format string, args ...interface{}) {
	l.printf(LevelTrace, format, args...)
}

// Debug writes a message at the debug level.
func (l *Logger) Debug(args ...interface{}) {
	l.print(LevelDebug, args...)
}

// Debugf writes a formatted message at the debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.printf(LevelDebug, format, args...)
}

// Info writes a message at the info level.
func (l *Logger) Info(args ...interface{}) {
	l.print(LevelInfo, args...)
}

// Infof writes a formatted message at the info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.printf(LevelInfo, format, args...)
}

// Warn writes a message at the warn level.
func (l *Logger) Warn(args ...interface{}) {
	l.print(LevelWarn, args...)
}

// Warnf writes a formatted message at the warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.printf(LevelWarn, format, args...)
}

// Error writes a message at the error level.
func (l *Logger) Error(args ...interface{}) {
	l.print(LevelError, args...)
}

// Errorf writes a formatted message at the error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.printf(LevelError, format, args...)
}

// Critical writes a message at the critical level.
func (l *Logger) Critical(args ...interface{}) {
	l.print(LevelCritical, args...)
}

// Criticalf writes a formatted message at the critical level.
func (l *Logger) Criticalf(format string, args ...interface{}) {
	l.printf(LevelCritical, format, args...)
}
