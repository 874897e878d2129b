package fleamart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newAuthServer(t *testing.T, meCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	user := &UserProfile{ID: 42, Username: "carol", Nickname: "Carol"}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var opts LoginOptions
			json.NewDecoder(r.Body).Decode(&opts)
			if opts.Username != "carol" || opts.Password != "hunter2" {
				w.WriteHeader(http.StatusOK)
				w.Write(errJSON(1001, "bad credentials"))
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "refresh", Value: "r1", Path: "/"})
			w.Write(okJSON(loginData{Token: "access-1", ExpiresInMs: 7_200_000, User: user}))
		case "/auth/logout":
			w.Write(okJSON(nil))
		case "/users/me":
			if meCalls != nil {
				meCalls.Add(1)
			}
			w.Write(okJSON(user))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestLogin(t *testing.T) {
	ts := newAuthServer(t, nil)
	client := newTestClient(t, ts)

	user, err := client.Login(context.Background(), &LoginOptions{Username: "carol", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != 42 || user.Username != "carol" {
		t.Fatalf("unexpected user %+v", user)
	}
	sess := client.Session()
	if !sess.TokenValid() || sess.Token() != "access-1" {
		t.Fatalf("session token = %q", sess.Token())
	}
	if left := time.Until(sess.ExpiresAt()); left < time.Hour || left > 2*time.Hour {
		t.Fatalf("expiry estimate off: %v", left)
	}
	if u := sess.User(); u == nil || u.Nickname != "Carol" {
		t.Fatalf("session user = %+v", u)
	}
}

func TestLoginRejected(t *testing.T) {
	ts := newAuthServer(t, nil)
	client := newTestClient(t, ts)

	_, err := client.Login(context.Background(), &LoginOptions{Username: "carol", Password: "wrong"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if client.Session().LoggedIn() {
		t.Fatal("failed login must leave the session empty")
	}
}

func TestMeIsCached(t *testing.T) {
	var meCalls atomic.Int32
	ts := newAuthServer(t, &meCalls)
	client := newTestClient(t, ts)
	loggedIn(client, 42)

	ctx := context.Background()
	if _, err := client.Me(ctx); err != nil {
		t.Fatalf("Me: %v", err)
	}
	if _, err := client.Me(ctx); err != nil {
		t.Fatalf("Me: %v", err)
	}
	if meCalls.Load() != 1 {
		t.Fatalf("expected 1 profile fetch, got %d", meCalls.Load())
	}
}

func TestLogout(t *testing.T) {
	ts := newAuthServer(t, nil)
	client := newTestClient(t, ts)

	if _, err := client.Login(context.Background(), &LoginOptions{Username: "carol", Password: "hunter2"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if client.Session().LoggedIn() {
		t.Fatal("session still present after logout")
	}
	// Logging out again is a no-op.
	if err := client.Logout(context.Background()); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}
