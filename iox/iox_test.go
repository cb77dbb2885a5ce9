package iox

import (
	"errors"
	"io"
	"testing"

	"go.uber.org/multierr"
)

type spyCloser struct {
	closed bool
	err    error
	order  *[]string
	name   string
}

func (s *spyCloser) Close() error {
	s.closed = true
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	return s.err
}

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{err: errors.New("ignored")}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCloseAll(t *testing.T) {
	var order []string
	errA := errors.New("a failed")
	errC := errors.New("c failed")
	a := &spyCloser{name: "a", err: errA, order: &order}
	b := &spyCloser{name: "b", order: &order}
	c := &spyCloser{name: "c", err: errC, order: &order}

	err := CloseAll(a, nil, b, c)
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("errors = %d, want 2", got)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Errorf("err = %v, want both failures", err)
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}
	if CloseAll() != nil {
		t.Error("CloseAll() != nil")
	}
}

var _ io.Closer = (*spyCloser)(nil)
