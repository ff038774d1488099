package striplib

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/samber/lo"
)

// Set is an unordered collection without duplicates
type Set[T comparable] map[T]struct{}

func NewSet[T comparable](items ...T) Set[T] {
	s := Set[T]{}
	s.Add(items...)
	return s
}

func (s Set[T]) Add(items ...T) {
	for _, i := range items {
		s[i] = struct{}{}
	}
}

// Insert adds item and reports whether it was new
func (s Set[T]) Insert(item T) bool {
	if _, ok := s[item]; ok {
		return false
	}
	s[item] = struct{}{}
	return true
}

func (s Set[T]) Has(item T) bool {
	_, ok := s[item]
	return ok
}

func (s Set[T]) Remove(item T) {
	delete(s, item)
}

func (s Set[T]) Len() int {
	return len(s)
}

func (s Set[T]) Union(other Set[T]) Set[T] {
	out := make(Set[T], len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s Set[T]) SortedFunc(cmp func(a, b T) int) []T {
	out := lo.Keys(map[T]struct{}(s))
	slices.SortFunc(out, cmp)
	return out
}

func Sorted[T cmp.Ordered](s Set[T]) []T {
	return s.SortedFunc(cmp.Compare[T])
}

func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(lo.Keys(map[T]struct{}(s)))
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}
