// Package seen provides a bounded set of recently observed keys used to
// drop redelivered events.
package seen

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Set remembers the most recent keys up to its size.
// Oldest keys are forgotten first. It is safe for concurrent use.
type Set struct {
	cache *lru.Cache[string, struct{}]
}

func New(size int) *Set {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// only possible for non-positive size
		panic(err)
	}
	return &Set{cache: cache}
}

// Seen records key and reports whether it was already present.
func (s *Set) Seen(key string) bool {
	found, _ := s.cache.ContainsOrAdd(key, struct{}{})
	return found
}

func (s *Set) Add(key string) {
	s.cache.Add(key, struct{}{})
}

func (s *Set) Contains(key string) bool {
	return s.cache.Contains(key)
}

func (s *Set) Remove(key string) {
	s.cache.Remove(key)
}

func (s *Set) Len() int {
	return s.cache.Len()
}
