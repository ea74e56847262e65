/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package statemachine

import (
	"sync"
	"testing"

	"concord/internal/types"
)

func TestApplySetThenGet(t *testing.T) {
	sm := New()
	if _, ok := sm.Apply(types.NewSetCommand("x", "1")); !ok {
		t.Fatal("Apply(SET) returned ok=false")
	}
	v, ok := sm.Get("x")
	if !ok || v != "1" {
		t.Fatalf("Get(x) = (%q, %v), want (1, true)", v, ok)
	}
}

func TestApplyDeleteRemovesKey(t *testing.T) {
	sm := New()
	sm.Apply(types.NewSetCommand("x", "1"))
	sm.Apply(types.NewDeleteCommand("x"))
	if _, ok := sm.Get("x"); ok {
		t.Fatal("expected key to be absent after DELETE")
	}
}

func TestLenReflectsKeyCountNotApplyCount(t *testing.T) {
	sm := New()
	sm.Apply(types.NewSetCommand("x", "1"))
	sm.Apply(types.NewSetCommand("y", "2"))
	sm.Apply(types.NewSetCommand("x", "3")) // overwrite, not a new key
	if sm.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", sm.Len())
	}
	if sm.AppliedCount() != 3 {
		t.Fatalf("AppliedCount() = %d, want 3", sm.AppliedCount())
	}
	sm.Apply(types.NewDeleteCommand("x"))
	if sm.Len() != 1 {
		t.Fatalf("Len() after delete = %d, want 1", sm.Len())
	}
}

func TestApplyIsDeterministicAcrossReplicas(t *testing.T) {
	cmds := []types.Command{
		types.NewSetCommand("a", "1"),
		types.NewSetCommand("b", "2"),
		types.NewDeleteCommand("a"),
		types.NewSetCommand("c", "3"),
	}

	sm1, sm2 := New(), New()
	for _, c := range cmds {
		sm1.Apply(c)
		sm2.Apply(c)
	}

	snap1, snap2 := sm1.Snapshot(), sm2.Snapshot()
	if len(snap1) != len(snap2) {
		t.Fatalf("snapshot sizes differ: %d vs %d", len(snap1), len(snap2))
	}
	for k, v := range snap1 {
		if snap2[k] != v {
			t.Errorf("key %q: %q vs %q", k, v, snap2[k])
		}
	}
}

func TestConcurrentGetDoesNotRaceWithApply(t *testing.T) {
	sm := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Apply(types.NewSetCommand("k", "v"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			sm.Get("k")
		}
	}()
	wg.Wait()
}
