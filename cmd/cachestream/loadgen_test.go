package main

import (
	"testing"

	"go.cachestream.dev/internal/cache"
	"go.cachestream.dev/internal/config"
)

func TestNewLoadGenerator_BuildsDistinctKeyPool(t *testing.T) {
	store := cache.NewStore("widgets", nil, nil, 8, 0)
	defer store.Close()

	g := newLoadGenerator(config.LoadGenConfig{KeyPoolSize: 10, RatePerMinute: 120}, store)

	if len(g.keys) != 10 {
		t.Fatalf("expected 10 keys, got %d", len(g.keys))
	}
	seen := make(map[string]bool, len(g.keys))
	for _, k := range g.keys {
		if seen[k] {
			t.Errorf("expected generated keys to be unique, found duplicate %q", k)
		}
		seen[k] = true
	}
}

func TestToInt64(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want int64
		ok   bool
	}{
		{"int64", int64(5), 5, true},
		{"int32", int32(7), 7, true},
		{"float64", float64(9), 9, true},
		{"unsupported", "nope", 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := toInt64(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("toInt64(%v) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}
