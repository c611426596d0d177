package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	Register("nats", func(t Target) (Announcer, error) {
		return NewNATSAnnouncer(natsURL(t.Hosts), t.Prefix)
	})
	Register("jetstream", func(t Target) (Announcer, error) {
		return NewJetStreamAnnouncer(natsURL(t.Hosts), t.Prefix)
	})
}

const natsPublishTimeout = 5 * time.Second

func natsURL(hosts []string) string {
	urls := make([]string, len(hosts))
	for i, h := range hosts {
		urls[i] = "nats://" + h
	}
	return strings.Join(urls, ",")
}

func connectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSAnnouncer publishes announcements with NATS core publish. Nothing is
// stored: only subscribers connected at the time receive them.
type NATSAnnouncer struct {
	nc     *nats.Conn
	target Target
}

// NewNATSAnnouncer connects to url and publishes under prefix
func NewNATSAnnouncer(url, prefix string) (*NATSAnnouncer, error) {
	nc, err := connectNATS(url)
	if err != nil {
		return nil, err
	}
	return &NATSAnnouncer{nc: nc, target: Target{Prefix: prefix}}, nil
}

// Announce implements Announcer
func (n *NATSAnnouncer) Announce(topic, key string, value []byte) error {
	msg := &nats.Msg{
		Subject: n.target.Subject(topic),
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close implements Announcer
func (n *NATSAnnouncer) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// JetStreamAnnouncer publishes announcements into a JetStream stream that
// keeps them for a day, so consumers may catch up later
type JetStreamAnnouncer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	target Target
}

// NewJetStreamAnnouncer connects to url and ensures a stream holding every
// subject under prefix exists
func NewJetStreamAnnouncer(url, prefix string) (*JetStreamAnnouncer, error) {
	if prefix == "" {
		return nil, fmt.Errorf("jetstream announcer requires a subject prefix")
	}

	nc, err := connectNATS(url)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	streamName := sanitizeStreamName(prefix)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	return &JetStreamAnnouncer{nc: nc, js: js, target: Target{Prefix: prefix}}, nil
}

// Announce implements Announcer
func (j *JetStreamAnnouncer) Announce(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	msg := &nats.Msg{
		Subject: j.target.Subject(topic),
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := j.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close implements Announcer
func (j *JetStreamAnnouncer) Close() error {
	if j.nc != nil {
		j.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream name
// JetStream stream names can't contain "." so we replace with "_"
func sanitizeStreamName(prefix string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, prefix)
}
