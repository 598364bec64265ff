package logger

import "time"

// LogAndMeasureExecutionTime logs entry into the named function at debug
// level and returns a function to defer, which logs the elapsed time on the
// way out. Used around policy evaluation and other periodic work.
func LogAndMeasureExecutionTime(log *Logger, functionName string) (onEnd func()) {
	start := time.Now()
	log.Debugf("%s start", functionName)
	return func() {
		log.Debugf("%s end. Took: %s", functionName, time.Since(start))
	}
}
