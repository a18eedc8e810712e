// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompletableResolve(t *testing.T) {
	c := NewCompletable[int]()
	c.Resolve(42)
	v, err := c.Future().Await(context.Background())
	if err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}
	if !c.Settled() {
		t.Errorf("expected Settled() to be true")
	}
}

func TestCompletableRejectOnce(t *testing.T) {
	c := NewCompletable[int]()
	wantErr := errors.New("boom")
	c.Reject(wantErr)
	c.Resolve(1) // second settle must be a no-op
	_, err := c.Future().Await(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("got err %v, want %v", err, wantErr)
	}
}

func TestFutureAwaitContextCanceled(t *testing.T) {
	c := NewCompletable[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Future().Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestNewSettledFuture(t *testing.T) {
	f := NewSettledFuture("done")
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("settled future's Done channel never closed")
	}
	v, err := f.Await(context.Background())
	if err != nil || v != "done" {
		t.Errorf("got (%q, %v), want (\"done\", nil)", v, err)
	}
}
