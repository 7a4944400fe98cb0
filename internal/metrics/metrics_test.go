package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arjbhandari/rendezvousd/internal/events"
)

func TestCollectorCountsConnectionEvents(t *testing.T) {
	bus := events.NewBus()
	c := New(bus)
	defer c.Close()

	bus.Publish(events.Event{Kind: events.ConnAccepted})
	bus.Publish(events.Event{Kind: events.ConnAccepted})
	bus.Publish(events.Event{Kind: events.ConnPurged})

	// consume runs in its own goroutine; give it a moment to drain.
	time.Sleep(50 * time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "rendezvousd_conn_accepted_total 2") {
		t.Fatalf("expected accepted_total=2 in output:\n%s", body)
	}
	if !strings.Contains(body, "rendezvousd_conn_active 1") {
		t.Fatalf("expected active=1 (2 accepted - 1 purged) in output:\n%s", body)
	}
	if !strings.Contains(body, "rendezvousd_conn_purged_total 1") {
		t.Fatalf("expected purged_total=1 in output:\n%s", body)
	}
}
