package scheduler

// requestQueue implements heap.Interface and holds TaskRequests. Ordering is
// strict: priority descending, then CreatedAt ascending. No aging, so a
// higher priority arrival overtakes every queued lower priority request at
// the next admission cycle.
type requestQueue []*TaskRequest

func (pq requestQueue) Len() int { return len(pq) }

func (pq requestQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].CreatedAt.Before(pq[j].CreatedAt)
}

func (pq requestQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *requestQueue) Push(x interface{}) {
	item := x.(*TaskRequest)
	*pq = append(*pq, item)
}

func (pq *requestQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return item
}
