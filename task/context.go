package task

import "github.com/sbl8/pal/handle"

// Context is passed to a running task's Body, giving it access to the pool
// it runs on and the facilities to Define/Launch further tasks or complete
// itself (spec §4.8).
type Context struct {
	pool *Pool
	id   handle.Handle
}

// Pool returns the pool the running task belongs to.
func (c *Context) Pool() *Pool { return c.pool }

// ID returns the running task's own handle.
func (c *Context) ID() handle.Handle { return c.id }

// Args returns the task's inline argument bytes.
func (c *Context) Args() []byte {
	return c.pool.slotFor(c.id).Args()
}

// SetAsync stores opaque per-task scratch for an in-flight async operation
// (spec §4.7), used by External-mode tasks before returning without
// completing.
func (c *Context) SetAsync(v any) {
	c.pool.slotFor(c.id).SetAsync(v)
}

// Async returns scratch previously stored by SetAsync.
func (c *Context) Async() any {
	return c.pool.slotFor(c.id).Async()
}

// Complete completes the running task. Internal-mode bodies must call this
// exactly once before returning; External-mode bodies must not (some other
// action completes them later).
func (c *Context) Complete() (int, error) {
	return c.pool.Complete(c.id)
}
