package mstime

import (
	"testing"
	"time"
)

func TestUnixMilliRoundTrip(t *testing.T) {
	now := Now()

	roundTripped := UnixMilliToTime(TimeToUnixMilli(now))
	if !roundTripped.Equal(now) {
		t.Fatalf("Time did not survive a unix-milli round trip: %s != %s", roundTripped, now)
	}
}

func TestNowHasMillisecondPrecision(t *testing.T) {
	now := Now()
	if now.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("Now returned sub-millisecond precision: %s", now)
	}
}

func TestReduceToMillisecondPrecision(t *testing.T) {
	precise := time.Date(2020, 1, 1, 0, 0, 0, 123456789, time.UTC)

	reduced := ReduceToMillisecondPrecision(precise)
	if reduced.Nanosecond() != 123000000 {
		t.Fatalf("Reduced time carries %d nanoseconds, want 123000000", reduced.Nanosecond())
	}
}
