package registry

import "strings"

// topicTree is a prefix tree over topic filter segments used to find every
// stored filter that matches a concrete topic name.
type topicTree struct {
	root *topicNode
}

type topicNode struct {
	filter   string // set on nodes that end a stored filter
	isEnd    bool
	children map[string]*topicNode
}

func newTopicTree() *topicTree {
	return &topicTree{root: newTopicNode()}
}

func newTopicNode() *topicNode {
	return &topicNode{children: make(map[string]*topicNode)}
}

// add stores filter. Adding a stored filter is a no-op.
func (t *topicTree) add(filter string) {
	current := t.root
	for _, segment := range strings.Split(filter, "/") {
		next, exists := current.children[segment]
		if !exists {
			next = newTopicNode()
			current.children[segment] = next
		}
		current = next
	}
	current.isEnd = true
	current.filter = filter
}

// remove deletes filter and prunes empty branches.
func (t *topicTree) remove(filter string) {
	removeNode(t.root, strings.Split(filter, "/"), 0)
}

func removeNode(node *topicNode, segments []string, depth int) {
	segment := segments[depth]
	child, exists := node.children[segment]
	if !exists {
		return
	}

	if depth == len(segments)-1 {
		child.isEnd = false
		child.filter = ""
	} else {
		removeNode(child, segments, depth+1)
	}

	// Clean up empty branches
	if !child.isEnd && len(child.children) == 0 {
		delete(node.children, segment)
	}
}

// match returns every stored filter matching topic. Wildcards at the first
// level do not match topics starting with '$'.
func (t *topicTree) match(topic string) []string {
	segments := strings.Split(topic, "/")
	var matches []string
	matchNode(t.root, segments, 0, strings.HasPrefix(topic, "$"), &matches)
	return matches
}

func matchNode(node *topicNode, segments []string, depth int, system bool, matches *[]string) {
	wildcardsAllowed := !(system && depth == 0)

	// '#' also matches the parent level: "sport/#" matches "sport".
	if wildcardsAllowed {
		if wildcard, ok := node.children["#"]; ok && wildcard.isEnd {
			*matches = append(*matches, wildcard.filter)
		}
	}

	if depth == len(segments) {
		if node.isEnd {
			*matches = append(*matches, node.filter)
		}
		return
	}

	segment := segments[depth]

	// Try exact match
	if child, ok := node.children[segment]; ok {
		matchNode(child, segments, depth+1, system, matches)
	}

	// Try + wildcard match
	if wildcardsAllowed {
		if child, ok := node.children["+"]; ok {
			matchNode(child, segments, depth+1, system, matches)
		}
	}
}
