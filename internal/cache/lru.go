package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// 🧠 内存 LRU 存储
// =============================================================================

// lruEntry 链表节点载荷
type lruEntry struct {
	key       string
	value     string
	expiresAt time.Time // 零值表示永不过期
}

// LRUStore 带 TTL 的内存 LRU 存储。
// Redis 不可用时作为缓存管理器的回退后端。
//
// 单把互斥锁保护全部状态；所有操作都是纯内存操作，
// 锁内不做任何 I/O。
type LRUStore struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // 队首为最近使用
	items    map[string]*list.Element
	hits     uint64
	misses   uint64
}

// NewLRUStore 创建容量为 capacity 的 LRU 存储
func NewLRUStore(capacity int) *LRUStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRUStore{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get 读取缓存值。命中时提升到队首；已过期的条目惰性删除并计为未命中。
func (s *LRUStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		s.misses++
		return "", false
	}

	entry := elem.Value.(*lruEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.removeElement(elem)
		s.misses++
		return "", false
	}

	s.ll.MoveToFront(elem)
	s.hits++
	return entry.value, true
}

// Set 写入缓存值。已存在则更新并提升；超容量时逐出最久未使用的条目。
// ttl <= 0 表示永不过期。
func (s *LRUStore) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.ll.MoveToFront(elem)
		return
	}

	s.items[key] = s.ll.PushFront(&lruEntry{key: key, value: value, expiresAt: expiresAt})
	for s.ll.Len() > s.capacity {
		if oldest := s.ll.Back(); oldest != nil {
			s.removeElement(oldest)
		}
	}
}

// Delete 删除指定键，返回是否存在
func (s *LRUStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeElement(elem)
	return true
}

// Sweep 批量清除所有已过期条目，返回清除数
func (s *LRUStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for elem := s.ll.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*lruEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			s.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// ClearPrefix 删除键以 prefix 开头的全部条目，返回删除数
func (s *LRUStore) ClearPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.ll.Front(); elem != nil; {
		next := elem.Next()
		if strings.HasPrefix(elem.Value.(*lruEntry).key, prefix) {
			s.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Len 返回当前条目数（含尚未惰性清除的过期条目）
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Counters 返回累计命中/未命中数
func (s *LRUStore) Counters() (hits, misses uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

// removeElement 删除节点。调用方必须持锁。
func (s *LRUStore) removeElement(elem *list.Element) {
	s.ll.Remove(elem)
	delete(s.items, elem.Value.(*lruEntry).key)
}
