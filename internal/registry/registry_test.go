package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddInterestNeedsSubscribeOnce(t *testing.T) {
	r := New()

	assert.True(t, r.AddInterest("chat/lobby", "g1"), "first group needs a broker subscribe")
	assert.False(t, r.AddInterest("chat/lobby", "g1"), "duplicate interest is a no-op")
	assert.False(t, r.AddInterest("chat/lobby", "g2"), "topic already subscribed")

	assert.Equal(t, []string{"g1", "g2"}, r.GroupsFor("chat/lobby"))
	assert.Equal(t, []string{"chat/lobby"}, r.TopicsFor("g1"))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 2, r.GroupCount())
}

func TestRemoveInterest(t *testing.T) {
	r := New()
	r.AddInterest("chat/lobby", "g1")
	r.AddInterest("chat/lobby", "g2")

	assert.False(t, r.RemoveInterest("chat/lobby", "g1"))
	assert.False(t, r.RemoveInterest("chat/lobby", "g1"), "removing twice is a no-op")
	assert.False(t, r.RemoveInterest("chat/unknown", "g2"))
	assert.True(t, r.RemoveInterest("chat/lobby", "g2"), "last group leaves")
	assert.False(t, r.RemoveInterest("chat/lobby", "g2"))

	assert.Empty(t, r.GroupsFor("chat/lobby"))
	assert.Empty(t, r.TopicsFor("g2"))
	assert.Empty(t, r.Topics())
	assert.Equal(t, 0, r.GroupCount())
	assert.Empty(t, r.Match("chat/lobby"))

	// The topic needs a broker subscribe again once re-added.
	assert.True(t, r.AddInterest("chat/lobby", "g3"))
}

func TestRemoveGroup(t *testing.T) {
	r := New()
	r.AddInterest("a/1", "g1")
	r.AddInterest("a/2", "g1")
	r.AddInterest("a/2", "g2")
	r.AddInterest("a/#", "g1")

	emptied := r.RemoveGroup("g1")
	assert.Equal(t, []string{"a/#", "a/1"}, emptied)
	assert.Equal(t, []string{"a/2"}, r.Topics())
	assert.Equal(t, []string{"g2"}, r.GroupsFor("a/2"))
	assert.Empty(t, r.TopicsFor("g1"))
	assert.Empty(t, r.RemoveGroup("g1"))
}

// For any sequence of adds and removes, GroupsFor reflects exactly the
// current interests.
func TestRegistryMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	topics := []string{"a", "a/b", "a/+", "a/#", "c/d"}
	groups := []string{"g1", "g2", "g3"}

	r := New()
	model := make(map[string]map[string]bool)

	for i := 0; i < 2000; i++ {
		topic := topics[rng.Intn(len(topics))]
		group := groups[rng.Intn(len(groups))]

		if rng.Intn(2) == 0 {
			wasEmpty := len(model[topic]) == 0
			got := r.AddInterest(topic, group)
			if model[topic] == nil {
				model[topic] = make(map[string]bool)
			}
			model[topic][group] = true
			require.Equal(t, wasEmpty, got, "AddInterest(%s, %s) at step %d", topic, group, i)
		} else {
			had := model[topic][group]
			got := r.RemoveInterest(topic, group)
			delete(model[topic], group)
			require.Equal(t, had && len(model[topic]) == 0, got, "RemoveInterest(%s, %s) at step %d", topic, group, i)
		}

		for _, tp := range topics {
			var want []string
			for g := range model[tp] {
				want = append(want, g)
			}
			sort.Strings(want)
			require.Equal(t, want, r.GroupsFor(tp), "GroupsFor(%s) at step %d", tp, i)
		}
	}
}

func TestMatch(t *testing.T) {
	r := New()
	subscriptions := []struct {
		filter string
		group  string
	}{
		{"sport/tennis/player1", "exact"},
		{"sport/+/player1", "plus"},
		{"sport/#", "hash"},
		{"sport/tennis/+", "plus-tail"},
		{"+/tennis/player1", "plus-head"},
		{"+/+/player1", "double-plus"},
		{"#", "all"},
		{"$SYS/broker/load", "sys"},
		{"/leading", "leading"},
	}
	for _, s := range subscriptions {
		r.AddInterest(s.filter, s.group)
	}

	tests := []struct {
		topic string
		want  []string
	}{
		{"sport/tennis/player1", []string{"all", "double-plus", "exact", "hash", "plus", "plus-head", "plus-tail"}},
		{"sport/tennis/player2", []string{"all", "hash", "plus-tail"}},
		{"sport", []string{"all", "hash"}},
		{"sport/golf/player1", []string{"all", "double-plus", "hash", "plus"}},
		{"music/tennis/player1", []string{"all", "double-plus", "plus-head"}},
		{"other", []string{"all"}},
		{"$SYS/broker/load", []string{"sys"}},
		{"$SYS/other", nil},
		{"/leading", []string{"all", "leading"}},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Match(tt.topic))
		})
	}
}

// A group subscribed through overlapping filters is matched once.
func TestMatchDeduplicatesGroups(t *testing.T) {
	r := New()
	r.AddInterest("a/#", "g1")
	r.AddInterest("a/+", "g1")
	r.AddInterest("a/b", "g1")
	r.AddInterest("a/b", "g2")

	assert.Equal(t, []string{"g1", "g2"}, r.Match("a/b"))
	// Exact lookup stays literal.
	assert.Equal(t, []string{"g1"}, r.GroupsFor("a/#"))
	assert.Empty(t, r.GroupsFor("a/c"))
	assert.Equal(t, []string{"g1"}, r.Match("a/c"))
}

func TestTreeRemovePrunes(t *testing.T) {
	tree := newTopicTree()
	tree.add("a/b/c")
	tree.add("a/b")
	tree.remove("a/b/c")

	assert.Equal(t, []string{"a/b"}, tree.match("a/b"))
	assert.Empty(t, tree.match("a/b/c"))
	require.Contains(t, tree.root.children, "a")
	assert.NotContains(t, tree.root.children["a"].children["b"].children, "c")

	tree.remove("a/b")
	tree.remove("x/y")
	assert.Empty(t, tree.root.children)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			group := fmt.Sprintf("g%d", n)
			for j := 0; j < 100; j++ {
				topic := fmt.Sprintf("t/%d", j%5)
				r.AddInterest(topic, group)
				r.Match(topic)
				r.GroupsFor(topic)
				if j%3 == 0 {
					r.RemoveInterest(topic, group)
				}
			}
			r.RemoveGroup(group)
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.GroupCount())
}
