// Package session хранит состояние одной клиентской сессии, общее для
// координатора приглашений и наблюдателя входящих.
package session

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultProcessedSize размер множества обработанных приглашений по умолчанию
const DefaultProcessedSize = 256

// ProcessedSet ограниченное множество уже обработанных ID приглашений.
// Самые старые ID вытесняются при переполнении.
type ProcessedSet struct {
	cache *lru.Cache
}

// NewProcessedSet создает множество заданного размера
func NewProcessedSet(size int) *ProcessedSet {
	if size <= 0 {
		size = DefaultProcessedSize
	}
	cache, _ := lru.New(size)
	return &ProcessedSet{cache: cache}
}

// Has сообщает, обработан ли ID
func (s *ProcessedSet) Has(id string) bool {
	return s.cache.Contains(id)
}

// Mark отмечает ID обработанным
func (s *ProcessedSet) Mark(id string) {
	s.cache.Add(id, struct{}{})
}

// MarkIfNew отмечает ID и возвращает true, если он не был отмечен раньше
func (s *ProcessedSet) MarkIfNew(id string) bool {
	found, _ := s.cache.ContainsOrAdd(id, struct{}{})
	return !found
}

// Len возвращает количество отмеченных ID
func (s *ProcessedSet) Len() int {
	return s.cache.Len()
}
