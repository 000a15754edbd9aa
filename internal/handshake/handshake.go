// Package handshake establishes mutual identity between two processes that
// share nothing but a filesystem.
//
// Each side owns one outbox directory and reads one inbox directory; the
// inbox of one side is the outbox of the other. The initiator writes a
// registration and waits for a confirmation that names it; the responder waits
// for a registration and answers with a confirmation. Both sides end up
// holding the other's identity.
//
//	initiator                          responder
//	  write outbox/handshake.json
//	    {"command":"register","uuid":A}
//	                                     poll inbox/handshake.json
//	                                     write outbox/handshake.json
//	                                       {"command":"confirm_registration",
//	                                        "uuid":B,"confirmed_uuid":A}
//	  poll inbox/handshake.json
//	  -> B                               -> A
//
// Shake has no retry limit: it is a rendezvous and blocks until the peer shows
// up or the context is canceled.
package handshake

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
	"github.com/Iron-Ham/optsidecar/internal/event"
	"github.com/Iron-Ham/optsidecar/internal/logging"
	"github.com/Iron-Ham/optsidecar/internal/poll"
)

// Role selects which side of the exchange a Handshaker plays.
type Role string

const (
	Initiator Role = "initiator"
	Responder Role = "responder"
)

const (
	// DefaultFilename is the name of the handshake file in each direction.
	DefaultFilename = "handshake.json"

	// CommandRegister announces the initiator's identity.
	CommandRegister = "register"
	// CommandConfirm answers a registration with the responder's identity.
	CommandConfirm = "confirm_registration"

	defaultPollInterval = 100 * time.Millisecond
	defaultReportEvery  = 100
)

// Message is the content of a handshake file.
type Message struct {
	Command       string  `json:"command"`
	UUID          string  `json:"uuid"`
	ConfirmedUUID *string `json:"confirmed_uuid"`
}

// Handshaker runs one side of a handshake. A Handshaker is single-use.
type Handshaker struct {
	selfID      string
	inboxDir    string
	outboxDir   string
	role        Role
	filename    string
	poller      *poll.Poller
	reportEvery int
	logger      *logging.Logger
	bus         *event.Bus
	peerName    string
}

// Option configures a Handshaker.
type Option func(*Handshaker)

// WithPoller replaces the default 100ms poller.
func WithPoller(p *poll.Poller) Option {
	return func(h *Handshaker) {
		h.poller = p
	}
}

// WithReportEvery logs a liveness line every n unsuccessful polls.
func WithReportEvery(n int) Option {
	return func(h *Handshaker) {
		h.reportEvery = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handshaker) {
		h.logger = l
	}
}

// WithFilename overrides the handshake file name.
func WithFilename(name string) Option {
	return func(h *Handshaker) {
		h.filename = name
	}
}

// WithBus publishes a HandshakeCompletedEvent naming the peer as peerName.
func WithBus(bus *event.Bus, peerName string) Option {
	return func(h *Handshaker) {
		h.bus = bus
		h.peerName = peerName
	}
}

// New creates a Handshaker for selfID.
func New(selfID, inboxDir, outboxDir string, role Role, opts ...Option) *Handshaker {
	h := &Handshaker{
		selfID:      selfID,
		inboxDir:    inboxDir,
		outboxDir:   outboxDir,
		role:        role,
		filename:    DefaultFilename,
		reportEvery: defaultReportEvery,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.poller == nil {
		h.poller = poll.New(defaultPollInterval)
	}
	h.logger = h.logger.WithComponent("handshake").With("role", string(h.role))
	return h
}

// InboxPath returns the file this side waits for.
func (h *Handshaker) InboxPath() string {
	return filepath.Join(h.inboxDir, h.filename)
}

// OutboxPath returns the file this side writes.
func (h *Handshaker) OutboxPath() string {
	return filepath.Join(h.outboxDir, h.filename)
}

// Shake runs the exchange and returns the peer's identity.
func (h *Handshaker) Shake(ctx context.Context) (string, error) {
	h.logger.Info("starting handshake", "self_id", h.selfID, "inbox", h.InboxPath(), "outbox", h.OutboxPath())

	var (
		peerID string
		err    error
	)
	switch h.role {
	case Initiator:
		peerID, err = h.shakeInitiator(ctx)
	case Responder:
		peerID, err = h.shakeResponder(ctx)
	default:
		return "", fmt.Errorf("handshake: unknown role %q", h.role)
	}
	if err != nil {
		return "", err
	}

	h.logger.Info("handshake completed", "peer_id", peerID)
	h.bus.Publish(event.NewHandshakeCompletedEvent(h.peerName, peerID, string(h.role)))
	return peerID, nil
}

func (h *Handshaker) shakeInitiator(ctx context.Context) (string, error) {
	out := Message{Command: CommandRegister, UUID: h.selfID}
	if err := atomicfile.WriteJSON(h.OutboxPath(), out); err != nil {
		return "", fmt.Errorf("handshake: write registration: %w", err)
	}

	var peerID string
	err := h.wait(ctx, func(msg Message) bool {
		if msg.Command != CommandConfirm || msg.UUID == "" {
			return false
		}
		if msg.ConfirmedUUID == nil || *msg.ConfirmedUUID != h.selfID {
			h.logger.Debug("ignoring confirmation addressed to another peer", "uuid", msg.UUID)
			return false
		}
		peerID = msg.UUID
		return true
	})
	if err != nil {
		return "", err
	}
	return peerID, nil
}

func (h *Handshaker) shakeResponder(ctx context.Context) (string, error) {
	var peerID string
	err := h.wait(ctx, func(msg Message) bool {
		if msg.Command != CommandRegister || msg.UUID == "" {
			return false
		}
		peerID = msg.UUID
		return true
	})
	if err != nil {
		return "", err
	}

	confirmed := peerID
	out := Message{Command: CommandConfirm, UUID: h.selfID, ConfirmedUUID: &confirmed}
	if err := atomicfile.WriteJSON(h.OutboxPath(), out); err != nil {
		return "", fmt.Errorf("handshake: write confirmation: %w", err)
	}
	return peerID, nil
}

// wait polls the inbox until accept returns true for its content. Missing and
// unreadable files are skipped: the peer may not have written yet.
func (h *Handshaker) wait(ctx context.Context, accept func(Message) bool) error {
	p := h.poller.With(
		poll.WithWatch(h.inboxDir),
		poll.WithReport(h.reportEvery, func(polls int, elapsed time.Duration) {
			h.logger.Info("waiting for peer handshake", "path", h.InboxPath(), "polls", polls, "elapsed", elapsed.String())
		}),
	)

	err := p.Until(ctx, func() (bool, error) {
		var msg Message
		found, err := atomicfile.ReadJSON(h.InboxPath(), &msg)
		if !found {
			return false, err
		}
		if err != nil {
			h.logger.Debug("skipping unreadable handshake file", "error", err.Error())
			return false, nil
		}
		return accept(msg), nil
	})
	if err != nil {
		return fmt.Errorf("handshake: waiting for %s: %w", h.InboxPath(), err)
	}
	return nil
}
