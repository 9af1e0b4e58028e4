// Package permits implements the permits graph of spec §3.5/§4.5
// (component C6): the "a set of tasks becomes runnable when the same set of
// dependencies has all completed" primitive the scheduler uses to wire task
// dependency edges without storing pointers between task slots.
package permits

import (
	"errors"
	"sync/atomic"
)

// MaxTaskList bounds how many dependent task IDs a single List can hold
// (spec §3.5, and the original PAL_TaskData's 30-slot TaskList field per
// SPEC_FULL.md). The bound is fixed: every List carries an inline array of
// exactly this size.
const MaxTaskList = 30

// DefaultTaskListCap equals MaxTaskList. List capacity is not configurable
// per pool; nothing in the module reads this constant.
const DefaultTaskListCap = MaxTaskList

// ErrTaskListFull is returned by List.AddTask when the list's TaskList is
// already at MaxTaskList. Nothing spills the extra dependents into another
// List; task.Pool.Define adds a single task to each fresh List and reports
// this error as ErrOutOfMemory.
var ErrTaskListFull = errors.New("permits: task list is full")

// List represents one permits list: WaitCount producer tasks remain
// outstanding, after which every task named in TaskList becomes runnable.
type List struct {
	waitCount      atomic.Int32
	ownerPoolIndex uint32
	taskCount      int32
	tasks          [MaxTaskList]uint32
}

// Reset reinitializes a List (freshly acquired from a Pool) with the given
// producer count and owning pool index.
func (l *List) Reset(ownerPoolIndex uint32, waitCount int32) {
	l.ownerPoolIndex = ownerPoolIndex
	l.waitCount.Store(waitCount)
	l.taskCount = 0
}

// OwnerPoolIndex returns the pool that allocated this List, used to return
// it to the correct free-slot ring on recycling.
func (l *List) OwnerPoolIndex() uint32 {
	return l.ownerPoolIndex
}

// WaitCount returns the current outstanding-producer count.
func (l *List) WaitCount() int32 {
	return l.waitCount.Load()
}

// AddTask appends a dependent task ID to the list's TaskList. Not safe for
// concurrent callers: a List is built up by a single creator thread during
// Define, before it becomes visible to any producer (spec §4.5 step 2).
func (l *List) AddTask(taskID uint32) error {
	if l.taskCount >= MaxTaskList {
		return ErrTaskListFull
	}
	l.tasks[l.taskCount] = taskID
	l.taskCount++
	return nil
}

// Tasks returns the dependent task IDs currently held. The returned slice
// aliases internal storage and must only be read before the List is
// recycled.
func (l *List) Tasks() []uint32 {
	return l.tasks[:l.taskCount]
}

// Decrement atomically decrements WaitCount by one (a producer completing)
// and returns the post-decrement value. Callers must drain Tasks() and
// recycle the List exactly once, when the returned value is 0 (spec §3.5:
// "when WaitCount atomically hits 0 the list is consumed exactly once").
func (l *List) Decrement() int32 {
	return l.waitCount.Add(-1)
}
