// Package registry maps MQTT topic filters to the groups interested in them.
package registry

import (
	"sort"
	"sync"
)

// Registry tracks topic filter → groups and group → topic filters. Filters
// are stored exactly as subscribed.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
	groups map[string]map[string]struct{}
	tree   *topicTree
}

func New() *Registry {
	return &Registry{
		topics: make(map[string]map[string]struct{}),
		groups: make(map[string]map[string]struct{}),
		tree:   newTopicTree(),
	}
}

// AddInterest records that group wants topic. It reports true when topic had
// no groups before, meaning the broker subscription is needed.
func (r *Registry) AddInterest(topic, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, exists := r.topics[topic]
	if !exists {
		set = make(map[string]struct{})
		r.topics[topic] = set
		r.tree.add(topic)
	}
	if _, ok := set[group]; ok {
		return false
	}
	set[group] = struct{}{}

	topics, ok := r.groups[group]
	if !ok {
		topics = make(map[string]struct{})
		r.groups[group] = topics
	}
	topics[topic] = struct{}{}

	return !exists
}

// RemoveInterest forgets that group wants topic. It reports true when the
// topic's group set became empty, meaning the broker subscription could be
// released.
func (r *Registry) RemoveInterest(topic, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(topic, group)
}

func (r *Registry) removeLocked(topic, group string) bool {
	set, exists := r.topics[topic]
	if !exists {
		return false
	}
	if _, ok := set[group]; !ok {
		return false
	}

	delete(set, group)
	if topics, ok := r.groups[group]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.groups, group)
		}
	}

	if len(set) > 0 {
		return false
	}
	delete(r.topics, topic)
	r.tree.remove(topic)
	return true
}

// RemoveGroup drops group from every topic and returns the topics whose group
// set became empty, sorted.
func (r *Registry) RemoveGroup(group string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for topic := range r.groups[group] {
		if r.removeLocked(topic, group) {
			emptied = append(emptied, topic)
		}
	}
	sort.Strings(emptied)
	return emptied
}

// GroupsFor returns the groups registered for exactly topic, sorted.
func (r *Registry) GroupsFor(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.topics[topic])
}

// TopicsFor returns the topic filters group is registered for, sorted.
func (r *Registry) TopicsFor(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.groups[group])
}

// Match returns the groups of every stored filter matching the concrete topic
// name, each group once, sorted.
func (r *Registry) Match(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := r.tree.match(topic)
	switch len(filters) {
	case 0:
		return nil
	case 1:
		return sortedKeys(r.topics[filters[0]])
	}

	seen := make(map[string]struct{})
	for _, filter := range filters {
		for group := range r.topics[filter] {
			seen[group] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Topics returns every topic filter with at least one group, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.topics)
}

// Len returns the number of topic filters with at least one group.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// GroupCount returns the number of groups holding at least one interest.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
