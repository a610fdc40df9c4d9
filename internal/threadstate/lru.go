package threadstate

import "container/list"

// lru is an insertion-order LRU: membership is O(1) via the index map and
// eviction drops the oldest inserted key. Lookups do not refresh position;
// dedup only cares about "seen recently enough", and insertion order keeps
// the structure predictable under replay storms.
type lru struct {
	capacity int
	order    *list.List               // front = oldest
	index    map[string]*list.Element // key → element holding the key
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (l *lru) contains(key string) bool {
	_, ok := l.index[key]
	return ok
}

func (l *lru) add(key string) {
	if _, ok := l.index[key]; ok {
		return
	}
	l.index[key] = l.order.PushBack(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

func (l *lru) len() int { return l.order.Len() }
