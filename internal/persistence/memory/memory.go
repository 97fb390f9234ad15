// Package memory provides in-memory repository implementations, used by
// tests and by single-process deployments.
package memory

import (
	"encoding/json"
	"fmt"
)

// clone deep-copies a record through its JSON form so callers never share
// memory with the store.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}
	return out
}
