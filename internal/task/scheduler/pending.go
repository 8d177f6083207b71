package scheduler

import "container/heap"

// pendingQueue is a min-heap of tasks ordered by nextRun. Equal due times
// fall back to insertion order, which is allowed but not promised.
type pendingQueue []*task

var _ heap.Interface = (*pendingQueue)(nil)

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].nextRun.Equal(q[j].nextRun) {
		return q[i].seq < q[j].seq
	}
	return q[i].nextRun.Before(q[j].nextRun)
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

func (q pendingQueue) peek() *task {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
