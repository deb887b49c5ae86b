package mqtt311

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
)

// TokeniseTopic splits a topic or filter into its levels.
// Empty levels are preserved, so "a//b" yields ["a", "", "b"] and "" yields [""].
func TokeniseTopic(topic string) []string {
	return strings.Split(topic, topicSeparator)
}

// ValidateTopicName validates a topic name used for publishing.
// Topic names cannot contain wildcards, NUL characters or invalid UTF-8.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if validateString(topic) != nil {
		return ErrInvalidTopicName
	}

	if strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard) {
		return ErrInvalidTopicName
	}

	return nil
}

// ValidateTopicFilter validates a subscription topic filter.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if validateString(filter) != nil {
		return ErrInvalidTopicFilter
	}

	if !wildcardsWellFormed(TokeniseTopic(filter)) {
		return ErrInvalidTopicFilter
	}

	return nil
}

// wildcardsWellFormed reports whether every wildcard occupies a whole level
// and '#' appears only as the final level.
func wildcardsWellFormed(levels []string) bool {
	for i, level := range levels {
		if strings.Contains(level, singleLevelWildcard) && level != singleLevelWildcard {
			return false
		}

		if strings.Contains(level, multiLevelWildcard) {
			if level != multiLevelWildcard || i != len(levels)-1 {
				return false
			}
		}
	}
	return true
}

// TopicMatchesSub reports whether topic matches the subscription filter.
//
// '+' matches exactly one level, including an empty one, and '#' matches the
// rest of the hierarchy including its parent level. Topics starting with '$'
// are not matched by a leading wildcard. A malformed filter, or a topic that
// itself contains wildcards, never matches.
func TopicMatchesSub(topic, filter string) bool {
	if strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard) {
		return false
	}

	flevels := TokeniseTopic(filter)
	if !wildcardsWellFormed(flevels) {
		return false
	}

	tlevels := TokeniseTopic(topic)

	if strings.HasPrefix(topic, "$") && (flevels[0] == singleLevelWildcard || flevels[0] == multiLevelWildcard) {
		return false
	}

	for i, flevel := range flevels {
		if flevel == multiLevelWildcard {
			return true
		}

		if i >= len(tlevels) {
			return false
		}

		if flevel != singleLevelWildcard && flevel != tlevels[i] {
			return false
		}
	}

	return len(flevels) == len(tlevels)
}

// TopicMatcher indexes topic filters in a trie so that all filters matching
// a topic can be found without testing each one.
type TopicMatcher struct {
	root *topicNode
}

type topicNode struct {
	children    map[string]*topicNode
	subscribers []any
}

// NewTopicMatcher creates a new topic matcher.
func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{
		root: &topicNode{
			children: make(map[string]*topicNode),
		},
	}
}

// Subscribe adds a subscriber for the given topic filter.
// Subscribers must be comparable values.
func (m *TopicMatcher) Subscribe(filter string, subscriber any) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	node := m.root
	for _, level := range TokeniseTopic(filter) {
		child, ok := node.children[level]
		if !ok {
			child = &topicNode{
				children: make(map[string]*topicNode),
			}
			node.children[level] = child
		}
		node = child
	}

	node.subscribers = append(node.subscribers, subscriber)
	return nil
}

// Unsubscribe removes a subscriber for the given topic filter.
func (m *TopicMatcher) Unsubscribe(filter string, subscriber any) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}

	node := m.root
	for _, level := range TokeniseTopic(filter) {
		child, ok := node.children[level]
		if !ok {
			return nil
		}
		node = child
	}

	for i, s := range node.subscribers {
		if s == subscriber {
			node.subscribers = append(node.subscribers[:i], node.subscribers[i+1:]...)
			break
		}
	}

	return nil
}

// Match returns all subscribers whose filter matches the given topic.
func (m *TopicMatcher) Match(topic string) []any {
	if err := ValidateTopicName(topic); err != nil {
		return nil
	}

	levels := TokeniseTopic(topic)
	isSystemTopic := strings.HasPrefix(topic, "$")

	var subscribers []any
	m.matchNode(m.root, levels, 0, isSystemTopic, &subscribers)
	return subscribers
}

func (m *TopicMatcher) matchNode(node *topicNode, levels []string, idx int, isSystemTopic bool, subscribers *[]any) {
	wildcardsAllowed := !isSystemTopic || idx > 0

	// '#' also matches the parent level
	if wildcardsAllowed {
		if child, ok := node.children[multiLevelWildcard]; ok {
			*subscribers = append(*subscribers, child.subscribers...)
		}
	}

	if idx >= len(levels) {
		*subscribers = append(*subscribers, node.subscribers...)
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		m.matchNode(child, levels, idx+1, isSystemTopic, subscribers)
	}

	if wildcardsAllowed {
		if child, ok := node.children[singleLevelWildcard]; ok {
			m.matchNode(child, levels, idx+1, isSystemTopic, subscribers)
		}
	}
}
