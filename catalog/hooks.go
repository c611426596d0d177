package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lustre-irods/connector/encoding"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultHookSubject is the NATS subject the catalog-side hooks listen on
const DefaultHookSubject = "irods.lustre.policy"

// hookQueue load-balances requests across hook servers
const hookQueue = "catalog-hooks"

// Invoker triggers the catalog's policy hooks for one change
type Invoker interface {
	Invoke(ctx context.Context, c Change) error
	Close() error
}

// HookHandler is the catalog-side policy: it applies changes with the same
// semantics as direct updates, one change per transaction, after checking
// the change targets a storage resource the catalog knows about.
type HookHandler struct {
	store     *Store
	resources map[string]struct{}
}

// NewHookHandler creates a handler. With no resources listed every
// resource is accepted.
func NewHookHandler(store *Store, resources ...string) *HookHandler {
	h := &HookHandler{store: store, resources: make(map[string]struct{}, len(resources))}
	for _, r := range resources {
		h.resources[r] = struct{}{}
	}
	return h
}

// Handle applies c
func (h *HookHandler) Handle(ctx context.Context, c Change) error {
	if len(h.resources) > 0 {
		if _, ok := h.resources[c.Resource]; !ok {
			return structural(string(c.Op), c.Path, fmt.Errorf("%w %q", ErrUnknownResource, c.Resource))
		}
	}
	return h.store.Apply(ctx, c)
}

// LocalInvoker calls a HookHandler in process
type LocalInvoker struct {
	handler *HookHandler
}

// NewLocalInvoker creates an in-process invoker
func NewLocalInvoker(handler *HookHandler) *LocalInvoker {
	return &LocalInvoker{handler: handler}
}

// Invoke implements Invoker
func (l *LocalInvoker) Invoke(ctx context.Context, c Change) error {
	return l.handler.Handle(ctx, c)
}

// Close implements Invoker
func (l *LocalInvoker) Close() error {
	return nil
}

// PolicyReply is the hook server's answer. Kind names the structural error
// class and is empty for transient failures.
type PolicyReply struct {
	Error string `msgpack:"error,omitempty"`
	Kind  string `msgpack:"kind,omitempty"`
}

// NATSInvoker sends changes to hook servers with NATS request/reply
type NATSInvoker struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSInvoker connects to url and sends requests on subject
func NewNATSInvoker(url, subject string) (*NATSInvoker, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	inv := NewNATSInvokerConn(nc, subject)
	inv.owned = true
	return inv, nil
}

// NewNATSInvokerConn uses an existing connection, which Close leaves open
func NewNATSInvokerConn(nc *nats.Conn, subject string) *NATSInvoker {
	if subject == "" {
		subject = DefaultHookSubject
	}
	return &NATSInvoker{nc: nc, subject: subject}
}

// Invoke implements Invoker
func (n *NATSInvoker) Invoke(ctx context.Context, c Change) error {
	data, err := encoding.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode policy request: %w", err)
	}

	msg, err := n.nc.RequestWithContext(ctx, n.subject, data)
	if err != nil {
		return fmt.Errorf("%w: policy request %s: %v", ErrTransient, n.subject, err)
	}

	var reply PolicyReply
	if err := encoding.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("%w: bad policy reply: %v", ErrTransient, err)
	}
	if reply.Error == "" {
		return nil
	}
	if sentinel, ok := errorKinds[reply.Kind]; ok {
		return structural(string(c.Op), c.Path, fmt.Errorf("%w: %s", sentinel, reply.Error))
	}
	return fmt.Errorf("%w: %s", ErrTransient, reply.Error)
}

// Close implements Invoker
func (n *NATSInvoker) Close() error {
	if n.owned && n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// ServeHooks answers policy requests on subject with handler until the
// returned subscription is drained or the connection closes. timeout bounds
// each request.
func ServeHooks(nc *nats.Conn, subject string, handler *HookHandler, timeout time.Duration) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultHookSubject
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return nc.QueueSubscribe(subject, hookQueue, func(msg *nats.Msg) {
		var reply PolicyReply

		var c Change
		if err := encoding.Unmarshal(msg.Data, &c); err != nil {
			reply = PolicyReply{Error: err.Error(), Kind: errorKind(ErrUnsupportedOp)}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := handler.Handle(ctx, c)
			cancel()
			if err != nil {
				reply.Error = err.Error()
				if IsStructural(err) {
					reply.Kind = errorKind(err)
				}
				log.Debug().Err(err).Uint64("seq", c.Seq).Str("op", string(c.Op)).Str("path", c.Path).Msg("Policy hook refused change")
			}
		}

		data, err := encoding.Marshal(reply)
		if err == nil {
			err = msg.Respond(data)
		}
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Msg("Failed to answer policy request")
		}
	})
}
