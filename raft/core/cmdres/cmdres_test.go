package cmdres

import "testing"

func TestFetchMiss(t *testing.T) {
	r := Make()
	if _, ok := r.Fetch(1); ok {
		t.Errorf("fetch on empty cache hit")
	}
}

func TestPutFetch(t *testing.T) {
	r := Make()
	r.Put(1, "a", 10)
	r.Put(2, "b", 10)

	tests := []struct {
		id   uint64
		want interface{}
		hit  bool
	}{
		{1, "a", true},
		{2, "b", true},
		{3, nil, false},
	}

	for i := 0; i < len(tests); i++ {
		test := &tests[i]
		value, ok := r.Fetch(test.id)
		if ok != test.hit {
			t.Errorf("#%d: hit want: %v, get: %v", i, test.hit, ok)
		}
		if ok && value != test.want {
			t.Errorf("#%d: value want: %v, get: %v", i, test.want, value)
		}
	}
}

func TestEvictOldest(t *testing.T) {
	r := Make()
	for id := uint64(1); id <= 5; id++ {
		r.Put(id, id, 3)
	}

	if r.Len() != 3 {
		t.Fatalf("len want: 3, get: %d", r.Len())
	}
	for _, id := range []uint64{1, 2} {
		if _, ok := r.Fetch(id); ok {
			t.Errorf("id %d should be evicted", id)
		}
	}
	for _, id := range []uint64{3, 4, 5} {
		if _, ok := r.Fetch(id); !ok {
			t.Errorf("id %d should survive", id)
		}
	}
}

func TestPutDuplicateKeepsFirst(t *testing.T) {
	r := Make()
	r.Put(1, "first", 10)
	r.Put(1, "second", 10)

	value, ok := r.Fetch(1)
	if !ok || value != "first" {
		t.Errorf("want first result kept, get: %v", value)
	}
	if r.Len() != 1 {
		t.Errorf("duplicate grew the cache: %d", r.Len())
	}
}
