package state_test

import (
	"fmt"
	"testing"

	"github.com/gxo-labs/chatstate/internal/state"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// benchmarkResult keeps the compiler from discarding benchmarked calls.
var benchmarkResult interface{}

func createNestedMap(depth, width int) map[string]interface{} {
	if depth <= 0 {
		return map[string]interface{}{"leaf_key": "leaf_value"}
	}
	m := make(map[string]interface{}, width)
	for i := 0; i < width; i++ {
		m[fmt.Sprintf("key_d%d_w%d", depth, i)] = createNestedMap(depth-1, width)
	}
	return m
}

var largeNestedMap = createNestedMap(4, 10)

// BenchmarkGet_Subtree measures copy-on-read of a large mapping node.
func BenchmarkGet_Subtree(b *testing.B) {
	s := state.NewStore("bench")
	_ = s.Set("chats", largeNestedMap)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchmarkResult, _ = s.Get("chats")
	}
}

// BenchmarkGet_Leaf measures a deep lookup of a single leaf.
func BenchmarkGet_Leaf(b *testing.B) {
	s := state.NewStore("bench")
	_ = s.Set("chats", largeNestedMap)
	path := "chats.key_d4_w0.key_d3_w0.key_d2_w0.key_d1_w0.leaf_key"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchmarkResult, _ = s.Get(path)
	}
}

// BenchmarkSet_WithSubscribers measures dispatch cost with a mix of matching
// and non-matching subscribers.
func BenchmarkSet_WithSubscribers(b *testing.B) {
	s := state.NewStore("bench")
	for i := 0; i < 50; i++ {
		s.Subscribe(fmt.Sprintf("other.%d", i), func(csstate.Notification) {})
	}
	s.Subscribe("ui.loading", func(n csstate.Notification) { benchmarkResult = n })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Set("ui.loading.messages", i%2 == 0)
	}
}
