package statebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedConsumer struct {
	mu        sync.Mutex
	msgs      []Message
	errs      []error
	done      chan struct{}
	committed []int64
}

func (s *scriptedConsumer) FetchMessage(ctx context.Context) (Message, error) {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return Message{}, err
	}
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (s *scriptedConsumer) CommitMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *scriptedConsumer) Close() error { return nil }

func TestRolloverHandle(t *testing.T) {
	var changes [][2]string
	r := NewRollover(&scriptedConsumer{}, RolloverOptions{
		Initial:    "v1",
		OnRollover: func(prev, cur string) { changes = append(changes, [2]string{prev, cur}) },
	})

	cases := []struct {
		body string
		want bool
	}{
		{`{"policy_version":"v1"}`, false},
		{`{"policy_version":" v2 "}`, true},
		{`{"policy_version":"v2"}`, false},
		{`not json`, false},
		{`{"policy_version":""}`, false},
		{`{"other":"x"}`, false},
		{`{"policy_version":"v3"}`, true},
	}
	for i, tc := range cases {
		if got := r.Handle(Message{Value: []byte(tc.body)}); got != tc.want {
			t.Fatalf("case %d (%s): changed=%v, want %v", i, tc.body, got, tc.want)
		}
	}
	if r.Current() != "v3" {
		t.Fatalf("expected current v3, got %q", r.Current())
	}
	want := [][2]string{{"v1", "v2"}, {"v2", "v3"}}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Fatalf("unexpected rollovers %v", changes)
	}
}

func TestRolloverRunRetriesAndStops(t *testing.T) {
	done := make(chan struct{})
	c := &scriptedConsumer{
		errs: []error{errors.New("broker unavailable")},
		msgs: []Message{
			{Offset: 7, Value: []byte(`not json`)},
			{Offset: 8, Value: []byte(`{"policy_version":"2026.10"}`)},
		},
		done: done,
	}
	var mu sync.Mutex
	var seen []string
	r := NewRollover(c, RolloverOptions{
		RetryDelay: time.Millisecond,
		OnRollover: func(_, cur string) {
			mu.Lock()
			seen = append(seen, cur)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not drained")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "2026.10" {
		t.Fatalf("unexpected rollovers %v", seen)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.committed) != 2 || c.committed[0] != 7 || c.committed[1] != 8 {
		t.Fatalf("every handled message must be committed in order, got %v", c.committed)
	}
}
