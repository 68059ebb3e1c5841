package mdl

import "testing"

func TestLockTableSingletonsPreallocated(t *testing.T) {
	lt := NewLockTable()
	if lt.Len() != 2 {
		t.Fatalf("expected GLOBAL and COMMIT preallocated, got %d objects", lt.Len())
	}
}

func TestLockTableFindOrInsertReturnsSameObject(t *testing.T) {
	lt := NewLockTable()
	m := NewManager(nil, nil)
	m.lockTable = lt
	ctx := m.NewContext(newFakeOwner(), 0)

	key := NewKey(Table, "db", "t")
	lo1 := lt.findOrInsert(ctx, key)
	lo2 := lt.findOrInsert(ctx, key)
	if lo1 != lo2 {
		t.Fatal("expected repeated lookups of the same key to return the same LockObject")
	}
}

func TestLockTableRemoveRequiresEmptyAndUnpinned(t *testing.T) {
	lt := NewLockTable()
	m := NewManager(nil, nil)
	m.lockTable = lt
	ctx := m.NewContext(newFakeOwner(), 0)
	key := NewKey(Table, "db", "t")

	lo := lt.findOrInsert(ctx, key)
	if lt.remove(key, lo) {
		t.Fatal("remove should fail while the object is still pinned")
	}

	ctx.unpinOne(lo)
	if !lt.remove(key, lo) {
		t.Fatal("remove should succeed once empty and unpinned")
	}
	if lt.Len() != 2 {
		t.Fatalf("expected table to shrink back to the two singletons, got %d", lt.Len())
	}
}
