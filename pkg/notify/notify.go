// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notify decouples notification delivery from request handling.
//
// Handlers enqueue a message and return immediately; a background worker
// drains the queue and hands messages to the configured sender. Delivery
// failures are logged, never surfaced to the request that triggered them.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind classifies a notification.
type Kind string

const (
	KindWelcome         Kind = "welcome"
	KindSignIn          Kind = "sign_in"
	KindPasswordChanged Kind = "password_changed"
	KindDeviceApproved  Kind = "device_approved"
	KindOrgInvite       Kind = "org_invite"
)

// Message is a queued notification.
type Message struct {
	Kind      Kind
	Recipient string
	Data      map[string]string
}

// Sender delivers a single message. Implementations wrap an email or
// webhook provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

const defaultQueueSize = 256

// Notifier is an asynchronous dispatch queue in front of a Sender.
type Notifier struct {
	sender Sender
	logger *slog.Logger

	queue chan Message
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(nt *Notifier) { nt.queue = make(chan Message, n) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(nt *Notifier) { nt.logger = logger }
}

// NewNotifier creates a notifier and starts its delivery worker.
func NewNotifier(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{
		sender: sender,
		logger: slog.Default(),
		queue:  make(chan Message, defaultQueueSize),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.run()
	return n
}

// Notify enqueues a message without blocking. When the queue is full the
// message is dropped with a log line; notifications are best effort and
// must never stall a request.
func (n *Notifier) Notify(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.logger.Warn("notifier closed, dropping notification", "kind", string(msg.Kind))
		return
	}

	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("notification queue full, dropping notification",
			"kind", string(msg.Kind), "recipient", msg.Recipient)
	}
}

// Close stops accepting messages, drains the queue, and waits for the
// worker to finish.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		if err := n.sender.Send(context.Background(), msg); err != nil {
			n.logger.Error("notification delivery failed",
				"kind", string(msg.Kind), "recipient", msg.Recipient, "error", err)
		}
	}
}
