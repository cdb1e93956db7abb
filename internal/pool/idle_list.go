package pool

import "container/list"

// idleList is the idle set: open, unused connections available for reuse.
// It keeps two views of the same connections: a global FIFO in insertion
// order (the eviction order, oldest at the front) and a per-key index so a
// matching connection is found without scanning. Both views preserve
// insertion order, so the global front is always the head of its key's
// slice. Not safe for concurrent use; the pool serializes access under its
// lock.
type idleList struct {
	ll    list.List
	byKey map[string][]*list.Element
}

func newIdleList() *idleList {
	return &idleList{
		byKey: make(map[string][]*list.Element),
	}
}

func (l *idleList) len() int {
	return l.ll.Len()
}

func (l *idleList) push(cn *Conn) {
	e := l.ll.PushBack(cn)
	l.byKey[cn.Key()] = append(l.byKey[cn.Key()], e)
}

// popKey removes and returns the oldest idle connection for key, or nil.
func (l *idleList) popKey(key string) *Conn {
	elems := l.byKey[key]
	if len(elems) == 0 {
		return nil
	}
	e := elems[0]
	l.dropIndexHead(key, elems)
	return l.ll.Remove(e).(*Conn)
}

// popOldest removes and returns the least-recently-idled connection of any
// key, or nil if the list is empty.
func (l *idleList) popOldest() *Conn {
	e := l.ll.Front()
	if e == nil {
		return nil
	}
	cn := l.ll.Remove(e).(*Conn)
	l.dropIndexHead(cn.Key(), l.byKey[cn.Key()])
	return cn
}

func (l *idleList) dropIndexHead(key string, elems []*list.Element) {
	if len(elems) == 1 {
		delete(l.byKey, key)
		return
	}
	l.byKey[key] = elems[1:]
}

// drain empties the list and returns every connection in eviction order.
func (l *idleList) drain() []*Conn {
	cns := make([]*Conn, 0, l.ll.Len())
	for e := l.ll.Front(); e != nil; e = e.Next() {
		cns = append(cns, e.Value.(*Conn))
	}
	l.ll.Init()
	l.byKey = make(map[string][]*list.Element)
	return cns
}
