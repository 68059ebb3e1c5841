package mdl

import "sync/atomic"

// fakeOwner is a minimal Owner used across the package's tests: always
// connected, killable on demand, and otherwise a no-op.
type fakeOwner struct {
	killed    int32
	connected int32
}

func newFakeOwner() *fakeOwner {
	o := &fakeOwner{}
	atomic.StoreInt32(&o.connected, 1)
	return o
}

func (o *fakeOwner) EnterCond(stage string) string { return "" }
func (o *fakeOwner) ExitCond(previous string)       {}
func (o *fakeOwner) IsKilled() bool                 { return atomic.LoadInt32(&o.killed) != 0 }
func (o *fakeOwner) IsConnected() bool              { return atomic.LoadInt32(&o.connected) != 0 }
func (o *fakeOwner) NotifySharedLock(ctx *Context, needExclusive bool) {}
func (o *fakeOwner) NotifyHtonPreAcquireExclusive(key Key) error       { return nil }
func (o *fakeOwner) NotifyHtonPostReleaseExclusive(key Key)            {}
func (o *fakeOwner) RandSeed() uint32                                  { return 1 }

func (o *fakeOwner) kill() { atomic.StoreInt32(&o.killed, 1) }
