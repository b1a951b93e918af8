package lru

import (
	"container/list"
	"sync"

	"github.com/lucasew/imagecache/internal/eviction"
)

// LRU implements the eviction.Strategy interface using Least Recently Used logic.
type LRU struct {
	mu    sync.Mutex
	list  *list.List
	items map[string]*list.Element
}

type entry struct {
	key  string
	size int64
}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *LRU) OnAdd(key string, size int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
		ent := elem.Value.(*entry)
		oldSize := ent.size
		ent.size = size
		return size - oldSize
	}

	l.items[key] = l.list.PushFront(&entry{key: key, size: size})
	return size
}

func (l *LRU) OnAccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		l.list.MoveToFront(elem)
	}
}

func (l *LRU) Remove(key string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return 0
	}
	l.list.Remove(elem)
	delete(l.items, key)
	return elem.Value.(*entry).size
}

func (l *LRU) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.list.Init()
	clear(l.items)
}

// Len returns the number of tracked keys.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

func (l *LRU) GetVictims(currentSize int64, targetSize int64) []eviction.Victim {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []eviction.Victim
	size := currentSize

	// Traverse from back without modifying
	elem := l.list.Back()
	for size > targetSize && elem != nil {
		ent := elem.Value.(*entry)
		victims = append(victims, eviction.Victim{Key: ent.key, Size: ent.size})
		size -= ent.size
		elem = elem.Prev()
	}

	return victims
}
