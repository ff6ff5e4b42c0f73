package cmdres

import "encoding/gob"

// Results is a bounded insertion-ordered command-id to result cache.
// It keeps retried commands idempotent: a hit replays the cached
// result instead of re-executing against user data.
//
// Fields are exported for the snapshot codec.
type Results struct {
	Order  []uint64
	Values map[uint64]interface{}
}

func (r *Results) Reset() { *r = Results{} }

// Make return an empty cache.
func Make() *Results {
	return &Results{
		Order:  make([]uint64, 0),
		Values: make(map[uint64]interface{}),
	}
}

// Fetch return the cached result for id.
func (r *Results) Fetch(id uint64) (interface{}, bool) {
	value, ok := r.Values[id]
	return value, ok
}

// Put insert id with result; when the cache exceeds max entries
// the oldest one is evicted.
func (r *Results) Put(id uint64, result interface{}, max int) {
	if _, ok := r.Values[id]; ok {
		return
	}
	r.Order = append(r.Order, id)
	r.Values[id] = result

	for len(r.Order) > max {
		oldest := r.Order[0]
		r.Order = r.Order[1:]
		delete(r.Values, oldest)
	}
}

// Len return the number of cached results.
func (r *Results) Len() int { return len(r.Order) }

func init() {
	gob.Register(Results{})
}
