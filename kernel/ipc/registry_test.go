package ipc

import "testing"

func TestCreateAcquireRelease(t *testing.T) {
	var r Registry

	tok, ep, err := r.Create(1)
	if err != nil {
		t.Fatalf("expected Create to succeed; got %v", err)
	}
	if ep == nil {
		t.Fatal("expected a non-nil endpoint")
	}

	got, err := r.Acquire(tok)
	if err != nil {
		t.Fatalf("expected Acquire to succeed; got %v", err)
	}
	if got != ep {
		t.Fatal("expected Acquire to return the same endpoint Create installed")
	}
	r.ReleaseToken(got)
}

func TestDestroyInvalidatesToken(t *testing.T) {
	var r Registry

	tok, _, err := r.Create(1)
	if err != nil {
		t.Fatalf("expected Create to succeed; got %v", err)
	}

	if err := r.Destroy(tok, 1); err != nil {
		t.Fatalf("expected Destroy to succeed; got %v", err)
	}

	if _, err := r.Acquire(tok); err != ErrStaleToken {
		t.Fatalf("expected a destroyed token to fail Acquire with ErrStaleToken; got %v", err)
	}
}

func TestDestroyRejectsWrongOwner(t *testing.T) {
	var r Registry

	tok, _, err := r.Create(1)
	if err != nil {
		t.Fatalf("expected Create to succeed; got %v", err)
	}

	if err := r.Destroy(tok, 2); err != ErrStaleToken {
		t.Fatalf("expected Destroy by a non-owner to be rejected; got %v", err)
	}

	if _, err := r.Acquire(tok); err != nil {
		t.Fatal("expected the endpoint to still be live after a rejected destroy")
	}
}

func TestCreateReusesSlotAfterDestroyWithFreshGeneration(t *testing.T) {
	var r Registry

	tok1, _, _ := r.Create(1)
	_ = r.Destroy(tok1, 1)

	// Wind the rolling cursor back so the freed slot is the first one
	// Create scans.
	r.cursor = tok1.Index

	tok2, ep2, err := r.Create(2)
	if err != nil {
		t.Fatalf("expected Create to succeed after a destroy freed a slot; got %v", err)
	}
	if tok2.Index != tok1.Index {
		t.Skip("rolling cursor landed on a different slot; generation-reuse property not exercised here")
	}
	if tok2.Generation == tok1.Generation {
		t.Fatal("expected the reused slot's generation to differ from the destroyed token's")
	}

	got, err := r.Acquire(tok2)
	if err != nil || got != ep2 {
		t.Fatalf("expected the new token to resolve to the new endpoint; err=%v", err)
	}
	if _, err := r.Acquire(tok1); err != ErrStaleToken {
		t.Fatal("expected the old token to remain stale")
	}
}
