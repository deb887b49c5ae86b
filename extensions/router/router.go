// Package router dispatches inbound MQTT messages to handlers selected by
// topic filter and message attributes.
package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqtt311"
)

// Handler processes an MQTT message.
type Handler func(msg *mqtt311.Message)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *byte
	retain        *bool
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetain filters messages by their retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.retain = &retain
	}
}

// WithPayload filters messages whose payload matches the pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

// registration holds a handler with its conditions. seq keeps dispatch in
// registration order.
type registration struct {
	seq       int
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
// Handlers with a topic filter are indexed in a topic trie.
type Router struct {
	mu       sync.RWMutex
	seq      int
	count    int
	filtered *mqtt311.TopicMatcher
	filters  map[string]int
	anyTopic []*registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		filtered: mqtt311.NewTopicMatcher(),
		filters:  make(map[string]int),
	}
}

// Handle registers a handler with optional conditions. It fails only for
// a malformed topic filter.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopic("alerts/+"), WithPayload(regexp.MustCompile(`^critical`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) error {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{
		seq:       r.seq,
		handler:   handler,
		condition: cond,
	}

	if cond.topicFilter == nil {
		r.anyTopic = append(r.anyTopic, reg)
	} else {
		if err := r.filtered.Subscribe(*cond.topicFilter, reg); err != nil {
			return err
		}
		r.filters[*cond.topicFilter]++
	}

	r.seq++
	r.count++
	return nil
}

// matches checks the non-topic conditions against the message.
func (c *Condition) matches(msg *mqtt311.Message) bool {
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retain != nil && *c.retain != msg.Retain {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(msg.Payload) {
		return false
	}
	return true
}

// Route dispatches a message to all matching handlers, in registration order.
func (r *Router) Route(msg *mqtt311.Message) {
	if msg == nil {
		return
	}

	r.mu.RLock()
	var matched []*registration
	for _, s := range r.filtered.Match(msg.Topic) {
		if reg := s.(*registration); reg.condition.matches(msg) {
			matched = append(matched, reg)
		}
	}
	for _, reg := range r.anyTopic {
		if reg.condition.matches(msg) {
			matched = append(matched, reg)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *registration) int { return a.seq - b.seq })
	for _, reg := range matched {
		reg.handler(msg)
	}
}

// Filters returns all unique registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make([]string, 0, len(r.filters))
	for filter := range r.filters {
		filters = append(filters, filter)
	}
	slices.Sort(filters)
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.filtered = mqtt311.NewTopicMatcher()
	r.filters = make(map[string]int)
	r.anyTopic = nil
	r.count = 0
	r.mu.Unlock()
}

// MessageHandler returns a function suitable for Client.OnMessage.
func (r *Router) MessageHandler() func(msg *mqtt311.Message) {
	return r.Route
}
