package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	c := New()

	c.ObserveSlots("admin", "available", 3*time.Millisecond)
	c.ObserveSlots("admin", "available", time.Millisecond)
	c.ObserveBooking("book", "conflict")
	c.ObserveReplay("appointment", "create", nil)
	c.ObserveReplay("appointment", "create", errors.New("boom"))
	c.ObserveSync(time.Second, errors.New("offline"))
	c.SetPending(2, 5)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"slot requests", testutil.ToFloat64(c.slotRequests.WithLabelValues("admin", "available")), 2},
		{"booking conflicts", testutil.ToFloat64(c.bookings.WithLabelValues("book", "conflict")), 1},
		{"replay ok", testutil.ToFloat64(c.replayed.WithLabelValues("appointment", "create", "ok")), 1},
		{"replay error", testutil.ToFloat64(c.replayed.WithLabelValues("appointment", "create", "error")), 1},
		{"sync failures", testutil.ToFloat64(c.syncFailures), 1},
		{"pending appointments", testutil.ToFloat64(c.pending.WithLabelValues("appointment")), 5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}
