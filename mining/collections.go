// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"container/heap"
)

// queue implements a generic FIFO queue with amortized O(1) operations. The
// zero value is ready to use.
type queue[T any] struct {
	items []T
}

// enqueue adds an item to the back of the queue.
func (q *queue[T]) enqueue(item T) {
	q.items = append(q.items, item)
}

// dequeue removes and returns the item at the front of the queue.
// Returns false if the queue is empty.
func (q *queue[T]) dequeue() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// priorityQueue implements a generic priority queue using container/heap
// ordered by a comparison function. The zero value is NOT ready to use; use
// newPriorityQueue to create an instance.
type priorityQueue[T any] struct {
	impl *heapImpl[T]
}

// newPriorityQueue creates a new priority queue with the given comparison
// function where less(a, b) returns true if a has higher priority than b.
func newPriorityQueue[T any](less func(a, b T) bool) *priorityQueue[T] {
	return &priorityQueue[T]{
		impl: &heapImpl[T]{less: less},
	}
}

// push adds an item to the priority queue.
func (pq *priorityQueue[T]) push(item T) {
	heap.Push(pq.impl, item)
}

// pop removes and returns the highest priority item from the queue.
// Returns false if the queue is empty.
func (pq *priorityQueue[T]) pop() (T, bool) {
	if pq.impl.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(pq.impl).(T), true
}

// peek returns the highest priority item without removing it.
// Returns false if the queue is empty.
func (pq *priorityQueue[T]) peek() (T, bool) {
	if pq.impl.Len() == 0 {
		var zero T
		return zero, false
	}
	return pq.impl.items[0], true
}

// len returns the number of items in the priority queue.
func (pq *priorityQueue[T]) len() int {
	return pq.impl.Len()
}

// heapImpl implements heap.Interface to integrate with container/heap.
type heapImpl[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *heapImpl[T]) Len() int {
	return len(h.items)
}

func (h *heapImpl[T]) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

func (h *heapImpl[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *heapImpl[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *heapImpl[T]) Pop() any {
	n := len(h.items) - 1
	item := h.items[n]
	h.items = h.items[:n]
	return item
}

var _ heap.Interface = (*heapImpl[int])(nil)
