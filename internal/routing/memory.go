// Package routing maps inbound chat messages to agent instances and
// delivers their content into the right tmux pane.
package routing

import "sync"

// Route memory capacities. Oldest entries are evicted first.
const (
	maxMessageRoutes      = 4000
	maxConversationRoutes = 2000
)

// Route is a remembered instance mapping. Memory entries are advisory: a
// direct or channel-mapped route always wins over a remembered one.
type Route struct {
	ProjectName string
	InstanceID  string
	AgentType   string
}

// boundedMap is an insertion-ordered map with a size cap.
type boundedMap struct {
	max     int
	entries map[string]Route
	order   []string
}

func newBoundedMap(max int) *boundedMap {
	return &boundedMap{max: max, entries: make(map[string]Route)}
}

func (m *boundedMap) put(key string, r Route) {
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
		for len(m.order) > m.max {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
	}
	m.entries[key] = r
}

func (m *boundedMap) get(key string) (Route, bool) {
	r, ok := m.entries[key]
	return r, ok
}

func (m *boundedMap) dropIf(match func(Route) bool) {
	kept := m.order[:0]
	for _, key := range m.order {
		if r, ok := m.entries[key]; ok && match(r) {
			delete(m.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
}

// Memory caches resolved routes by message id and by conversation key so
// replies and thread follow-ups reach the same instance.
type Memory struct {
	mu             sync.Mutex
	byMessage      *boundedMap
	byConversation *boundedMap
}

// NewMemory creates an empty route memory.
func NewMemory() *Memory {
	return &Memory{
		byMessage:      newBoundedMap(maxMessageRoutes),
		byConversation: newBoundedMap(maxConversationRoutes),
	}
}

// Remember caches a successfully delivered route under both keys.
func (m *Memory) Remember(messageID, conversationKey string, r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID != "" {
		m.byMessage.put(messageID, r)
	}
	if conversationKey != "" {
		m.byConversation.put(conversationKey, r)
	}
}

// ByMessage returns the route remembered for a message id.
func (m *Memory) ByMessage(messageID string) (Route, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byMessage.get(messageID)
}

// ByConversation returns the route remembered for a conversation key.
func (m *Memory) ByConversation(key string) (Route, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byConversation.get(key)
}

// ForgetInstance drops every cached route pointing at the instance. Called
// on instance teardown so stale memory can't revive a dead route.
func (m *Memory) ForgetInstance(projectName, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := func(r Route) bool {
		return r.ProjectName == projectName && r.InstanceID == instanceID
	}
	m.byMessage.dropIf(match)
	m.byConversation.dropIf(match)
}
