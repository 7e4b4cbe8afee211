package agent

import (
	"strings"
	"sync"
)

// ActiveModel holds the id of the currently loaded model. It is safe for
// concurrent use. Turns read it once at start.
type ActiveModel struct {
	mu sync.RWMutex
	id string
}

// NewActiveModel returns a holder with id loaded, or empty when id is "".
func NewActiveModel(id string) *ActiveModel {
	return &ActiveModel{id: id}
}

// Load marks id as the active model.
func (m *ActiveModel) Load(id string) {
	m.mu.Lock()
	m.id = id
	m.mu.Unlock()
}

// Unload clears the active model.
func (m *ActiveModel) Unload() {
	m.mu.Lock()
	m.id = ""
	m.mu.Unlock()
}

// ActiveModel implements ModelSource.
func (m *ActiveModel) ActiveModel() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id, m.id != ""
}

// BackendModelName returns the last path segment of a model id,
// e.g. "OpenVINO/Qwen3-8B-int4-ov" becomes "Qwen3-8B-int4-ov".
func BackendModelName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
