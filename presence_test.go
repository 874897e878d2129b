package fleamart

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPresenceTransitions(t *testing.T) {
	pt := NewPresenceTracker(nil)

	pt.Handle(PresenceEvent{UserID: 7, Status: PresenceStatusOnline})
	pt.Handle(PresenceEvent{UserID: 8, Status: PresenceStatusOnline})
	if !pt.IsOnline(7) || !pt.IsOnline(8) {
		t.Fatal("online peers missing from the set")
	}

	// Repeated ONLINE is a no-op.
	pt.Handle(PresenceEvent{UserID: 7, Status: PresenceStatusOnline})
	if got := pt.Online(); len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Fatalf("online set = %v", got)
	}

	// Any non-ONLINE status removes, including ones we have never seen.
	pt.Handle(PresenceEvent{UserID: 7, Status: "OFFLINE"})
	pt.Handle(PresenceEvent{UserID: 99, Status: "AWAY"})
	if pt.IsOnline(7) {
		t.Fatal("peer 7 should be offline")
	}
	if got := pt.Online(); len(got) != 1 || got[0] != 8 {
		t.Fatalf("online set = %v", got)
	}
}

func TestPresenceBootstrapReplacesSet(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/online" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(okJSON([]int64{3, 4}))
	}))
	defer ts.Close()
	client := newTestClient(t, ts)
	loggedIn(client, 1)

	pt := NewPresenceTracker(client)
	pt.Handle(PresenceEvent{UserID: 7, Status: PresenceStatusOnline})

	if err := pt.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := pt.Online(); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("bootstrap must replace the set wholesale, got %v", got)
	}
	if pt.IsOnline(7) {
		t.Fatal("stale entry survived the bootstrap")
	}
}
