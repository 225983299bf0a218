package command

import (
	"strconv"
	"testing"
	"time"
)

func itoa(k uint64) string { return strconv.FormatUint(k, 10) }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}
