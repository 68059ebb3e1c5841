package mdl

import (
	"testing"
	"time"
)

func TestCommitOrderGraphFIFO(t *testing.T) {
	m := newTestManager()
	g := NewCommitOrderGraph()

	ctx1 := m.NewContext(newFakeOwner(), 0)
	ctx2 := m.NewContext(newFakeOwner(), 0)

	w1 := g.Register(ctx1, 1)
	w2 := g.Register(ctx2, 2)

	var order []int
	done := make(chan struct{}, 2)

	go func() {
		if err := w2.Wait(); err != nil {
			t.Errorf("w2 wait failed: %v", err)
		}
		order = append(order, 2)
		w2.Finish()
		done <- struct{}{}
	}()

	time.Sleep(20 * time.Millisecond)
	if len(order) != 0 {
		t.Fatal("worker 2 should not proceed before worker 1 finishes")
	}

	if err := w1.Wait(); err != nil {
		t.Fatalf("w1 wait failed: %v", err)
	}
	order = append(order, 1)
	w1.Finish()

	<-done
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected commit order [1 2], got %v", order)
	}
}

func TestCommitOrderGraphSingleWorkerDoesNotBlock(t *testing.T) {
	m := newTestManager()
	g := NewCommitOrderGraph()
	ctx := m.NewContext(newFakeOwner(), 0)

	w := g.Register(ctx, 1)
	if err := w.Wait(); err != nil {
		t.Fatalf("a lone worker should never block: %v", err)
	}
	w.Finish()
}
