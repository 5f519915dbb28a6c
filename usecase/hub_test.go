package usecase

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kavos113/ctf-instancer/domain"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubFanoutIsUserScoped(t *testing.T) {
	hub := newTestHub()

	alice1, cancelA1 := hub.Subscribe("sess-a1", "alice")
	defer cancelA1()
	alice2, cancelA2 := hub.Subscribe("sess-a2", "alice")
	defer cancelA2()
	bob, cancelB := hub.Subscribe("sess-b", "bob")
	defer cancelB()

	hub.StateChange("alice", "web-1", domain.StateRunning, "host:1", nil)

	for _, ch := range []<-chan Update{alice1, alice2} {
		select {
		case u := <-ch:
			if u.ChallengeID != "web-1" || u.State != domain.StateRunning {
				t.Errorf("unexpected update: %+v", u)
			}
		case <-time.After(time.Second):
			t.Fatal("alice session did not receive the update")
		}
	}

	select {
	case u := <-bob:
		t.Errorf("bob received alice's update: %+v", u)
	default:
	}
}

func TestHubNotifySessionTargetsOneSession(t *testing.T) {
	hub := newTestHub()

	s1, cancel1 := hub.Subscribe("sess-1", "alice")
	defer cancel1()
	s2, cancel2 := hub.Subscribe("sess-2", "alice")
	defer cancel2()

	hub.NotifySession("sess-1", "only for you", SeverityWarning)

	select {
	case u := <-s1:
		if u.Notice == nil || u.Notice.Contents != "only for you" || u.Notice.Severity != SeverityWarning {
			t.Errorf("unexpected notice: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("targeted session did not receive the notice")
	}

	select {
	case u := <-s2:
		t.Errorf("other session received targeted notice: %+v", u)
	default:
	}
}

func TestHubEvictsSlowSession(t *testing.T) {
	hub := newTestHub()

	slow, cancel := hub.Subscribe("sess-slow", "alice")
	defer cancel()

	// Never read: fill the buffer and overflow it by one.
	for i := 0; i < sessionBuffer+1; i++ {
		hub.NotifyUser("alice", "spam", SeverityInfo)
	}

	// The channel must be closed after the buffered updates drain.
	drained := 0
	for range slow {
		drained++
	}
	if drained != sessionBuffer {
		t.Errorf("drained %d updates, want %d", drained, sessionBuffer)
	}

	// Further publishes are dropped without panicking.
	hub.NotifyUser("alice", "after eviction", SeverityInfo)
}

func TestHubCancelIsIdempotent(t *testing.T) {
	hub := newTestHub()

	ch, cancel := hub.Subscribe("sess-1", "alice")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
}
