package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCatalogMergePreservesAllToolsProperty verifies that registering N
// providers with disjoint tool name sets yields a merged ListAllTools
// containing exactly the union of every provider's tools, each qualified by
// its origin provider — the Go-native form of the teacher's
// TestRegistryCatalogMergePreservesToolsProperty.
func TestCatalogMergePreservesAllToolsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merged catalog contains every tool from every provider, correctly qualified", prop.ForAll(
		func(counts []int) bool {
			m := NewManager()
			expected := map[string]bool{}
			for i, n := range counts {
				providerName := fmt.Sprintf("provider-%d", i)
				toolsJSON := make([]map[string]any, n)
				for j := 0; j < n; j++ {
					toolName := fmt.Sprintf("tool-%d-%d", i, j)
					toolsJSON[j] = map[string]any{"name": toolName}
					expected[providerName+"."+toolName] = true
				}
				raw, _ := json.Marshal(map[string]any{"tools": toolsJSON})
				if _, err := m.Register(context.Background(), providerName, &fakeTransport{listResult: raw}); err != nil {
					return false
				}
			}
			got := m.ListAllTools()
			if len(got) != len(expected) {
				return false
			}
			for _, name := range got {
				if !expected[name] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
