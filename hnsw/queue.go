package hnsw

import "container/heap"

// Compile time check to ensure priorityQueue satisfies the heap interface.
var _ heap.Interface = (*priorityQueue)(nil)

// priorityQueueItem is a candidate during graph traversal.
type priorityQueueItem struct {
	node     uint32
	distance float32
	index    int // maintained by the heap.Interface methods
}

// priorityQueue implements heap.Interface over priorityQueueItems. With
// descending set it behaves as a max-heap, which searchLayer uses to keep
// the ef closest candidates by evicting the current worst.
type priorityQueue struct {
	descending bool
	items      []*priorityQueueItem
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

// Less orders by distance with ties broken by node ID, so equidistant
// results surface in insertion order instead of heap sift order.
func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]

	if pq.descending {
		if a.distance != b.distance {
			return a.distance > b.distance
		}

		return a.node > b.node
	}

	if a.distance != b.distance {
		return a.distance < b.distance
	}

	return a.node < b.node
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index, pq.items[j].index = i, j
}

func (pq *priorityQueue) Push(x any) {
	item, _ := x.(*priorityQueueItem)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	if n == 0 {
		return nil
	}

	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]

	return item
}

func (pq *priorityQueue) top() *priorityQueueItem {
	return pq.items[0]
}
