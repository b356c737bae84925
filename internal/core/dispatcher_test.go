package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatchSupersedesRunningQuery(t *testing.T) {
	d := NewDispatcher()

	started := make(chan struct{})
	firstDone := make(chan *QueryResult, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
		if err != nil {
			t.Errorf("first dispatch failed: %v", err)
		}
		firstDone <- res
	}()

	<-started
	second, err := d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
		return "second result", nil
	})
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}

	first := <-firstDone
	if first == nil || !first.Cancelled {
		t.Fatalf("superseded query did not resolve to a cancellation result: %+v", first)
	}
	if first.Response != CancelledResponse {
		t.Fatalf("cancellation response=%q want %q", first.Response, CancelledResponse)
	}
	if second.Cancelled || second.Response != "second result" {
		t.Fatalf("superseding query result malformed: %+v", second)
	}
	if d.Active("alice") {
		t.Fatal("registry still holds an entry for alice after both queries settled")
	}
}

func TestDispatchCompletedBeforeCancelObserved(t *testing.T) {
	// A computation that returns before checking its context completes
	// normally even if a cancel signal raced with it.
	d := NewDispatcher()
	res, err := d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
		d.Cancel("alice") // signal arrives after the last suspension point
		return "finished anyway", nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Cancelled || res.Response != "finished anyway" {
		t.Fatalf("completed query misreported: %+v", res)
	}
	if d.Active("alice") {
		t.Fatal("registry entry leaked")
	}
}

func TestCancelWithoutActiveQuery(t *testing.T) {
	d := NewDispatcher()
	if d.Cancel("ghost") {
		t.Fatal("cancel reported success with no active query")
	}
}

func TestCancelRunningQuery(t *testing.T) {
	d := NewDispatcher()

	started := make(chan struct{})
	done := make(chan *QueryResult, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
		if err != nil {
			t.Errorf("dispatch failed: %v", err)
		}
		done <- res
	}()

	<-started
	if !d.Cancel("alice") {
		t.Fatal("cancel did not find the running query")
	}
	res := <-done
	if res == nil || !res.Cancelled {
		t.Fatalf("cancelled query did not resolve to a cancellation result: %+v", res)
	}
	if d.Active("alice") {
		t.Fatal("registry entry leaked after cancel")
	}
}

func TestDispatchIndependentUsers(t *testing.T) {
	d := NewDispatcher()

	started := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
			close(started)
			select {
			case <-release:
				return "slow done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	}()

	<-started
	// Bob's query must complete while alice's is still in flight.
	res, err := d.Dispatch(context.Background(), "bob", func(ctx context.Context) (string, error) {
		return "bob done", nil
	})
	if err != nil || res.Response != "bob done" {
		t.Fatalf("independent user was blocked: res=%+v err=%v", res, err)
	}
	if !d.Active("alice") {
		t.Fatal("alice's query should still be registered")
	}
	close(release)
	<-slowDone
}

func TestDispatchStress(t *testing.T) {
	d := NewDispatcher()

	const n = 30
	var wg sync.WaitGroup
	results := make(chan *QueryResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Dispatch(context.Background(), "alice", func(ctx context.Context) (string, error) {
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-time.After(2 * time.Millisecond):
					return "done", nil
				}
			})
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for res := range results {
		total++
		if !res.Cancelled && res.Response != "done" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if total != n {
		t.Fatalf("only %d of %d dispatches settled", total, n)
	}
	if d.Active("alice") {
		t.Fatal("registry not empty after stress run")
	}
}
