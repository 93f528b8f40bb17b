package warming

import (
	"container/heap"

	"github.com/o-tero/tiered-cache/pkg/models"
)

type queueItem struct {
	task *models.WarmupTask
	seq  uint64
}

// taskQueue is a max-heap on priority; among equal priorities the task
// created first runs first, then the one enqueued first.
type taskQueue struct {
	items []queueItem
	seq   uint64
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(queueItem)) }

func (q *taskQueue) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items[n-1] = queueItem{}
	q.items = q.items[:n-1]
	return item
}

func (q *taskQueue) push(t *models.WarmupTask) {
	q.seq++
	heap.Push(q, queueItem{task: t, seq: q.seq})
}

func (q *taskQueue) pop() *models.WarmupTask {
	return heap.Pop(q).(queueItem).task
}
