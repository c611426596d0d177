// Package sink carries a shard's announcements outside the process. A
// broadcast address selects the announcer by scheme:
//
//	nats://host:4222[,host2:4222]/subject.prefix       NATS core publish
//	jetstream://host:4222/subject.prefix               NATS JetStream stream
//	kafka://broker1:9092,broker2:9092/topic.prefix     Kafka
//	tcp://*:5555, inproc://name                        in-process subscribers only
//
// A "format" query parameter selects the announcement encoding, msgpack
// (default) or debezium: kafka://broker:9092/lustre?format=debezium
//
// Announcements are best effort. A failed publish is counted and logged,
// never retried.
package sink

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Announcer publishes one announcement. topic is appended to the
// announcer's subject prefix; key identifies the record.
type Announcer interface {
	Announce(topic, key string, value []byte) error
	Close() error
}

// Target is a parsed broadcast address
type Target struct {
	Scheme string
	Hosts  []string
	Prefix string
	Format string // Encoder name
}

// Subject joins the target prefix and topic
func (t Target) Subject(topic string) string {
	if t.Prefix == "" {
		return topic
	}
	return t.Prefix + "." + topic
}

// Factory creates an announcer for a target
type Factory func(Target) (Announcer, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register registers an announcer factory for a URL scheme
func Register(scheme string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[scheme] = factory
}

// Schemes returns the schemes with a registered announcer
func Schemes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	out := make([]string, 0, len(factories))
	for s := range factories {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

var inProcessSchemes = map[string]bool{"": true, "tcp": true, "inproc": true, "ipc": true}

// ParseTarget splits a broadcast address. A missing subject prefix is
// replaced by defaultPrefix.
func ParseTarget(address, defaultPrefix string) (Target, error) {
	if address == "" {
		return Target{}, nil
	}
	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return Target{}, fmt.Errorf("broadcast address %q: expected <scheme>://<hosts>[/<prefix>]", address)
	}

	rest, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Target{}, fmt.Errorf("broadcast address %q: %w", address, err)
	}

	hosts, prefix, _ := strings.Cut(rest, "/")
	t := Target{Scheme: scheme, Prefix: strings.Trim(prefix, "/"), Format: FormatMsgpack}
	if hosts != "" {
		t.Hosts = strings.Split(hosts, ",")
	}
	if t.Prefix == "" {
		t.Prefix = defaultPrefix
	}

	if f := query.Get("format"); f != "" {
		if !knownFormat(f) {
			return Target{}, fmt.Errorf("broadcast address %q: unknown format %q", address, f)
		}
		t.Format = f
	}

	if !inProcessSchemes[scheme] && len(t.Hosts) == 0 {
		return Target{}, fmt.Errorf("broadcast address %q: no hosts", address)
	}
	return t, nil
}

// InProcess reports whether address is served by in-process subscribers only
func InProcess(address string) bool {
	scheme, _, _ := strings.Cut(address, "://")
	return address == "" || inProcessSchemes[scheme]
}

// Open creates the announcer for address. In-process addresses return a
// nil announcer and no error.
func Open(address, defaultPrefix string) (Announcer, error) {
	t, err := ParseTarget(address, defaultPrefix)
	if err != nil {
		return nil, err
	}
	return OpenTarget(t)
}

// OpenTarget creates the announcer for a parsed target
func OpenTarget(t Target) (Announcer, error) {
	if inProcessSchemes[t.Scheme] {
		return nil, nil
	}

	factoryMu.RLock()
	factory, exists := factories[t.Scheme]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown broadcast scheme: %s", t.Scheme)
	}
	return factory(t)
}
