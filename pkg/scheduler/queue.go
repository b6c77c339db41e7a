package scheduler

import "github.com/billetlabs/billet/pkg/types"

// timeslotQueue is a min-heap of pending instances ordered by how soon
// their timeslot opens. Instances whose windows collide are ordered by
// creation time, then id, so the queue order is total and stable.
type timeslotQueue []*types.Instance

func (q timeslotQueue) Len() int { return len(q) }

func (q timeslotQueue) Less(i, j int) bool {
	if !q[i].Timeslot.Start.Equal(q[j].Timeslot.Start) {
		return q[i].Timeslot.Start.Before(q[j].Timeslot.Start)
	}
	if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	}
	return q[i].ID < q[j].ID
}

func (q timeslotQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timeslotQueue) Push(x interface{}) {
	*q = append(*q, x.(*types.Instance))
}

func (q *timeslotQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
