// Package table holds the topic→action table that drives the bridge.
//
// A table maps MQTT topic names to entries. Input entries carry a mapping from
// the literal message payload to the device endpoint that should be called;
// output entries are publish targets (the status topic is one of them).
package table

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Direction tells whether a topic carries commands into the bridge or status out of it.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

var (
	ErrNotFound         = errors.New("topic not found")
	ErrNotInput         = errors.New("topic is not an input topic")
	ErrNoAction         = errors.New("no action for message")
	ErrInvalidDirection = errors.New("invalid topic type, expected input or output")
)

// ParseDirection converts the user supplied type ("input", "output") into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionInput:
		return DirectionInput, nil
	case DirectionOutput:
		return DirectionOutput, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// Action is the device call mapped to a topic+message pair.
type Action struct {
	Endpoint    string `json:"endpoint"`
	Description string `json:"description,omitempty"`
}

// Topic is a single entry of the table. The topic name is the key in Document.Topics.
type Topic struct {
	Type        Direction         `json:"type"`
	Description string            `json:"description,omitempty"`
	Actions     map[string]Action `json:"actions,omitempty"`
}

func (tp Topic) clone() Topic {
	tp.Actions = maps.Clone(tp.Actions)
	if tp.Actions == nil {
		tp.Actions = map[string]Action{}
	}
	return tp
}

// Document is the persisted form of a table.
type Document struct {
	Topics map[string]Topic `json:"topics"`
}

// Table is the in-memory action table. It is safe for concurrent use; MQTT
// deliveries and management requests run on separate goroutines.
type Table struct {
	topics map[string]Topic
	mu     sync.RWMutex
	saveMu sync.Mutex
}

// New returns a table holding a copy of doc's topics.
func New(doc Document) *Table {
	t := &Table{topics: make(map[string]Topic, len(doc.Topics))}
	for name, tp := range doc.Topics {
		t.topics[name] = tp.clone()
	}
	return t
}

// Default returns a table built from the built-in default document.
func Default() *Table {
	return New(DefaultDocument())
}

// Get returns a copy of the named entry.
func (t *Table) Get(name string) (Topic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tp, ok := t.topics[name]
	if !ok {
		return Topic{}, false
	}
	return tp.clone(), true
}

// Len returns the number of topics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics)
}

// UpsertTopic inserts or replaces the named entry. Actions configured on an
// existing entry are kept. It reports whether the entry was newly created.
func (t *Table) UpsertTopic(name string, dir Direction, description string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.topics[name]
	actions := existing.Actions
	if actions == nil {
		actions = map[string]Action{}
	}
	t.topics[name] = Topic{
		Type:        dir,
		Description: description,
		Actions:     actions,
	}
	return !ok
}

// UpsertAction inserts or replaces the action for message on topic. The
// message is matched literally. Returns ErrNotFound if the topic does not exist.
func (t *Table) UpsertAction(topic, message, endpoint, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tp, ok := t.topics[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, topic)
	}
	if tp.Actions == nil {
		tp.Actions = map[string]Action{}
	}
	tp.Actions[message] = Action{Endpoint: endpoint, Description: description}
	t.topics[topic] = tp
	return nil
}

// Resolve looks up the action for a message received on topic.
func (t *Table) Resolve(topic, message string) (Action, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tp, ok := t.topics[topic]
	if !ok {
		return Action{}, fmt.Errorf("%w: %s", ErrNotFound, topic)
	}
	if tp.Type != DirectionInput {
		return Action{}, fmt.Errorf("%w: %s", ErrNotInput, topic)
	}
	action, ok := tp.Actions[message]
	if !ok {
		return Action{}, fmt.Errorf("%w %q on %s", ErrNoAction, message, topic)
	}
	return action, nil
}

// StatusTopic returns the topic status messages are published to.
//
// Legacy selection rule: the first output topic, in name order, whose
// description contains "status" (case-sensitive). Entries have no explicit
// status flag.
func (t *Table) StatusTopic() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, name := range slices.Sorted(maps.Keys(t.topics)) {
		tp := t.topics[name]
		if tp.Type == DirectionOutput && strings.Contains(tp.Description, "status") {
			return name, true
		}
	}
	return "", false
}

// InputTopics returns the sorted names of all input topics.
func (t *Table) InputTopics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.topics))
	for name, tp := range t.topics {
		if tp.Type == DirectionInput {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Snapshot returns a deep copy of the table as a Document.
func (t *Table) Snapshot() Document {
	t.mu.RLock()
	defer t.mu.RUnlock()

	doc := Document{Topics: make(map[string]Topic, len(t.topics))}
	for name, tp := range t.topics {
		doc.Topics[name] = tp.clone()
	}
	return doc
}
