package list

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type waiter struct {
	Entry
	id int
}

func drain(l *List, entries map[*Entry]*waiter) []int {
	var order []int
	for e := l.Front(); e != nil; e = l.Next(e) {
		order = append(order, entries[e].id)
	}
	return order
}

func TestPushBackOrderIsFIFO(t *testing.T) {
	l := New()
	a := &waiter{id: 1}
	b := &waiter{id: 2}
	c := &waiter{id: 3}
	entries := map[*Entry]*waiter{&a.Entry: a, &b.Entry: b, &c.Entry: c}
	l.PushBack(&a.Entry)
	l.PushBack(&b.Entry)
	l.PushBack(&c.Entry)

	require.Equal(t, 3, l.Len())
	require.Equal(t, []int{1, 2, 3}, drain(l, entries))
}

func TestPushFrontPrepends(t *testing.T) {
	l := New()
	a := &waiter{id: 1}
	b := &waiter{id: 2}
	entries := map[*Entry]*waiter{&a.Entry: a, &b.Entry: b}
	l.PushBack(&a.Entry)
	l.PushFront(&b.Entry)
	require.Equal(t, []int{2, 1}, drain(l, entries))
}

func TestRemoveMiddle(t *testing.T) {
	l := New()
	a := &waiter{id: 1}
	b := &waiter{id: 2}
	c := &waiter{id: 3}
	entries := map[*Entry]*waiter{&a.Entry: a, &b.Entry: b, &c.Entry: c}
	l.PushBack(&a.Entry)
	l.PushBack(&b.Entry)
	l.PushBack(&c.Entry)

	l.Remove(&b.Entry)
	require.Equal(t, 2, l.Len())
	require.False(t, b.Linked())
	require.Equal(t, []int{1, 3}, drain(l, entries))
}

func TestPopFrontEmpty(t *testing.T) {
	l := New()
	require.Nil(t, l.PopFront())
	require.True(t, l.Empty())
}

func TestRemoveNotLinkedIsNoop(t *testing.T) {
	l := New()
	a := &waiter{id: 1}
	l.Remove(&a.Entry) // never inserted
	require.Equal(t, 0, l.Len())
}

func TestPopFrontUnlinksAndReturnsHead(t *testing.T) {
	l := New()
	a := &waiter{id: 1}
	b := &waiter{id: 2}
	l.PushBack(&a.Entry)
	l.PushBack(&b.Entry)

	e := l.PopFront()
	require.Same(t, &a.Entry, e)
	require.False(t, a.Linked())
	require.Equal(t, 1, l.Len())
}
