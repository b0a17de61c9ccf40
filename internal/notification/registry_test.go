package notification

import (
	"fmt"
	"sync"
	"testing"
)

// fakeSession は受け取ったフレームを記録するセッション。
type fakeSession struct {
	id     string
	userID string
	full   bool

	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Send(frame []byte) bool {
	if s.full {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSession) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// TestRegistryEmit はセッションへの配信を検証する。
func TestRegistryEmit(t *testing.T) {
	t.Parallel()

	t.Run("同じユーザーの全セッションに届き他のユーザーには届かないこと", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		s1 := &fakeSession{id: "s1", userID: "B"}
		s2 := &fakeSession{id: "s2", userID: "B"}
		other := &fakeSession{id: "s3", userID: "C"}
		r.Register(s1)
		r.Register(s2)
		r.Register(other)

		if got := r.Emit("B", []byte("payload")); got != 2 {
			t.Errorf("Emit() = %d, want 2", got)
		}
		for _, s := range []*fakeSession{s1, s2} {
			if f := s.Frames(); len(f) != 1 || string(f[0]) != "payload" {
				t.Errorf("%s が受け取ったフレーム = %q", s.id, f)
			}
		}
		if f := other.Frames(); len(f) != 0 {
			t.Errorf("他のユーザーにフレームが届いた: %q", f)
		}
	})

	t.Run("接続していないユーザーへの配信は何もしないこと", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		if got := r.Emit("offline", []byte("x")); got != 0 {
			t.Errorf("Emit() = %d, want 0", got)
		}
	})

	t.Run("送信待ちが満杯のセッションは数えないこと", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		r.Register(&fakeSession{id: "s1", userID: "B", full: true})
		r.Register(&fakeSession{id: "s2", userID: "B"})
		if got := r.Emit("B", []byte("x")); got != 1 {
			t.Errorf("Emit() = %d, want 1", got)
		}
	})
}

// TestRegistryUnregister はセッションの登録解除を検証する。
func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	t.Run("切断したセッションだけが取り除かれること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		s1 := &fakeSession{id: "s1", userID: "B"}
		s2 := &fakeSession{id: "s2", userID: "B"}
		r.Register(s1)
		r.Register(s2)

		r.Unregister(s1)
		sessions := r.ListSessionsFor("B")
		if len(sessions) != 1 || sessions[0].ID() != "s2" {
			t.Errorf("sessions = %v", sessions)
		}

		r.Unregister(s2)
		r.Unregister(s2)
		if got := r.Count(); got != 0 {
			t.Errorf("Count() = %d, want 0", got)
		}
	})

	t.Run("並行して登録と解除と配信をしても整合が保たれること", func(t *testing.T) {
		t.Parallel()
		r := NewRegistry()
		const users, perUser = 50, 4

		var wg sync.WaitGroup
		for u := range users {
			for i := range perUser {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s := &fakeSession{id: fmt.Sprintf("u%d-s%d", u, i), userID: fmt.Sprintf("u%d", u)}
					r.Register(s)
					r.Emit(s.userID, []byte("x"))
					if i%2 == 0 {
						r.Unregister(s)
					}
				}()
			}
		}
		wg.Wait()

		if got, want := r.Count(), users*perUser/2; got != want {
			t.Errorf("Count() = %d, want %d", got, want)
		}
		for u := range users {
			if got := len(r.ListSessionsFor(fmt.Sprintf("u%d", u))); got != perUser/2 {
				t.Errorf("u%d のセッション数 = %d, want %d", u, got, perUser/2)
			}
		}
	})
}
