package mstime

import "time"

const (
	nanosecondsInMillisecond = int64(time.Millisecond / time.Nanosecond)
	millisecondsInSecond     = int64(time.Second / time.Millisecond)
)

// Now returns the current local time, reduced to millisecond precision.
// All times that cross a serialization boundary in emberd are kept at
// millisecond precision so that a round trip through the database is
// lossless.
func Now() time.Time {
	return ReduceToMillisecondPrecision(time.Now())
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// UnixMilliToTime converts the given unix time in milliseconds to a time.Time.
func UnixMilliToTime(ms int64) time.Time {
	seconds := ms / millisecondsInSecond
	nanoseconds := (ms - seconds*millisecondsInSecond) * nanosecondsInMillisecond
	return time.Unix(seconds, nanoseconds)
}

// TimeToUnixMilli converts the given time to a unix time in milliseconds.
func TimeToUnixMilli(t time.Time) int64 {
	return t.UnixNano() / nanosecondsInMillisecond
}

// ReduceToMillisecondPrecision truncates any sub-millisecond component of t.
func ReduceToMillisecondPrecision(t time.Time) time.Time {
	nanoseconds := int64(t.Nanosecond())
	millisecondPrecisionNanoseconds := (nanoseconds / nanosecondsInMillisecond) * nanosecondsInMillisecond
	return time.Unix(t.Unix(), millisecondPrecisionNanoseconds)
}
