package queue

import (
	"time"

	"github.com/outofforest/mass"
)

// RequestType defines special types of condition requests.
type RequestType uint8

// RequestType constants.
const (
	Evaluate RequestType = iota
	Retry
	Kick
)

// Request is the pending evaluation of lifecycle condition.
type Request struct {
	Condition uint8
	Type      RequestType
	Attempt   uint32
	NotBefore time.Time
	Next      *Request
}

// New creates new queue. Requests are allocated in batches of size requests.
func New(size uint64) *Queue {
	q := &Queue{
		massRequest: mass.New[Request](size),
	}
	q.tail = &q.head
	return q
}

// Queue is the ordered queue of pending condition requests.
type Queue struct {
	massRequest *mass.Mass[Request]

	head  *Request
	tail  **Request
	free  *Request
	count uint64
}

// NewRequest returns new request for the condition.
func (q *Queue) NewRequest(condition uint8, requestType RequestType) *Request {
	var r *Request
	if q.free != nil {
		r = q.free
		q.free = r.Next
		*r = Request{}
	} else {
		r = q.massRequest.New()
	}
	r.Condition = condition
	r.Type = requestType
	return r
}

// Push pushes new request into the queue.
func (q *Queue) Push(item *Request) {
	item.Next = nil
	*q.tail = item
	q.tail = &item.Next
	q.count++
}

// Peek returns the first request without removing it.
func (q *Queue) Peek() *Request {
	return q.head
}

// Pop removes the first request from the queue.
func (q *Queue) Pop() *Request {
	h := q.head
	if h == nil {
		return nil
	}
	q.head = h.Next
	if q.head == nil {
		q.tail = &q.head
	}
	h.Next = nil
	q.count--
	return h
}

// Recycle returns processed request so it might be reused.
func (q *Queue) Recycle(r *Request) {
	r.Next = q.free
	q.free = r
}

// Len returns number of requests in the queue.
func (q *Queue) Len() uint64 {
	return q.count
}

// Contains tells if there is a request for the condition in the queue.
func (q *Queue) Contains(condition uint8) bool {
	for r := q.head; r != nil; r = r.Next {
		if r.Condition == condition {
			return true
		}
	}
	return false
}

// Drain removes and recycles all the requests.
func (q *Queue) Drain() {
	for r := q.Pop(); r != nil; r = q.Pop() {
		q.Recycle(r)
	}
}

// Conditions returns conditions of queued requests in order.
func (q *Queue) Conditions() []uint8 {
	conditions := make([]uint8, 0, q.count)
	for r := q.head; r != nil; r = r.Next {
		conditions = append(conditions, r.Condition)
	}
	return conditions
}
