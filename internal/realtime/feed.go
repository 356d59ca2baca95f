package realtime

// feed is a bounded, newest-first list deduplicated by id.
type feed[T any] struct {
	name  string
	limit int
	items []T
	id    func(T) string
}

func newFeed[T any](name string, limit int, id func(T) string) *feed[T] {
	return &feed[T]{name: name, limit: limit, id: id}
}

// merge replaces the entry with x's id in place, or prepends x and drops
// the oldest entries beyond the limit. It reports whether x was new and
// which entries were evicted.
func (f *feed[T]) merge(x T) (inserted bool, evicted []T) {
	key := f.id(x)
	for i := range f.items {
		if f.id(f.items[i]) == key {
			f.items[i] = x
			return false, nil
		}
	}

	f.items = append(f.items, x)
	copy(f.items[1:], f.items)
	f.items[0] = x
	if len(f.items) > f.limit {
		evicted = append(evicted, f.items[f.limit:]...)
		clear(f.items[f.limit:])
		f.items = f.items[:f.limit]
	}
	return true, evicted
}

func (f *feed[T]) remove(key string) bool {
	for i := range f.items {
		if f.id(f.items[i]) == key {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *feed[T]) reset() { f.items = nil }

// snapshot returns a copy safe to hand to readers.
func (f *feed[T]) snapshot() []T {
	out := make([]T, len(f.items))
	copy(out, f.items)
	return out
}
