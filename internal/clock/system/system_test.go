package system

import (
	"testing"
	"time"
)

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	clk := New()
	lo := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	hi := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("want UTC, got %v", got.Location())
	}
	if got.Before(lo) || got.After(hi) {
		t.Fatalf("timestamp %v outside [%v, %v]", got, lo, hi)
	}
	if clk.Now().Before(got) {
		t.Fatal("timestamps went backwards")
	}
}
