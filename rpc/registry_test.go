package rpc

import (
	"errors"
	"testing"
)

func TestRegistryRejectsDuplicateReqType(t *testing.T) {
	r := NewRegistry()
	noop := func(h *RequestHandle) {}
	if err := r.Register(1, noop, Foreground); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(1, noop, Foreground)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestRegistrySealsOnFirstLookup(t *testing.T) {
	r := NewRegistry()
	noop := func(h *RequestHandle) {}
	if err := r.Register(1, noop, Foreground); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.lookup(1); !ok {
		t.Fatalf("expected handler 1 to be found")
	}
	if err := r.Register(2, noop, Foreground); err != ErrPermission {
		t.Fatalf("got %v, want ErrPermission after sealing", err)
	}
}

func TestHandlerModeString(t *testing.T) {
	if Foreground.String() != "foreground" {
		t.Fatalf("got %q, want foreground", Foreground.String())
	}
	if Background.String() != "background" {
		t.Fatalf("got %q, want background", Background.String())
	}
}
