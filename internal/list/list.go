// Package list implements the intrusive doubly-linked list that
// lockmgr uses for its FIFO lock-waiter queues. It mirrors the
// circular sentinel list the C original (finesse/bitbucket) builds its
// list_entry_t around, rather than a generic container, because that
// queue needs O(1) removal of an arbitrary, already-known element
// without a separate lookup.
package list

// Entry is an intrusive list node. Embed it in the struct you want to
// queue (a lock record, a directory entry, ...) and pass a pointer to
// the embedding struct's Entry field to the List methods.
type Entry struct {
	next, prev *Entry
	list       *List
}

// Linked reports whether e is currently inserted in a list.
func (e *Entry) Linked() bool {
	return e.list != nil
}

// List is a circular doubly-linked list with a sentinel head. The zero
// value is an empty list; PushBack and PushFront initialize it on
// first use.
type List struct {
	root Entry
	len  int
}

// New returns an initialized empty list.
func New() *List {
	l := &List{}
	l.Init()
	return l
}

// Init (re)initializes the list to be empty. Entries previously linked
// to this list are not touched: they still report Linked and still
// name this list.
func (l *List) Init() {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.root.list = l
	l.len = 0
}

// Len returns the number of entries in the list.
func (l *List) Len() int {
	return l.len
}

// Empty reports whether the list has no entries.
func (l *List) Empty() bool {
	return l.len == 0
}

// PushBack inserts e at the tail of the list. e must not already be
// linked to any list.
func (l *List) PushBack(e *Entry) {
	if l.root.next == nil {
		l.Init()
	}
	e.prev = l.root.prev
	e.next = &l.root
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
}

// PushFront inserts e at the head of the list.
func (l *List) PushFront(e *Entry) {
	if l.root.next == nil {
		l.Init()
	}
	e.next = l.root.next
	e.prev = &l.root
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
}

// Remove unlinks e from l. It is a no-op if e is not currently linked
// to l, including when e is linked to a different list.
func (l *List) Remove(e *Entry) {
	if e.list != l {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// Front returns the first entry, or nil if the list is empty.
func (l *List) Front() *Entry {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Next returns the entry following e, or nil if e is the last entry or
// e is not linked to this list.
func (l *List) Next(e *Entry) *Entry {
	if e.list != l {
		return nil
	}
	if n := e.next; n != &l.root {
		return n
	}
	return nil
}

// PopFront removes and returns the first entry, or nil if the list is
// empty.
func (l *List) PopFront() *Entry {
	e := l.Front()
	if e == nil {
		return nil
	}
	l.Remove(e)
	return e
}
