// Package transport implements the ZeroMQ router/dealer request/reply
// server, its dealer-side client, and the pub/sub broadcast subscriber
// (spec.md #4.1, #4.5). The accept loop's poll-then-dispatch shape is
// adapted from the corpus's Majordomo broker (a geoffjay/plantd retrieval:
// czmq.NewRouter + czmq.NewPoller + Wait/RecvMessage), generalized from
// the Majordomo envelope to the instruction/response envelope of spec.md
// #6.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	czmq "github.com/zeromq/goczmq/v4"

	"github.com/toolsforexperiments/instrumentserver/dispatch"
	"github.com/toolsforexperiments/instrumentserver/telemetry"
)

// pollTimeoutMs bounds how long a single poller.Wait call blocks, so the
// accept loop can observe context cancellation promptly.
const pollTimeoutMs = 250

// Server binds a ROUTER socket and feeds every inbound request to a
// Dispatcher, replying on the same socket once the dispatcher's worker
// pool finishes (spec.md #4.1, #4.2).
type Server struct {
	router     *czmq.Sock
	poller     *czmq.Poller
	dispatcher *dispatch.Dispatcher
	logger     telemetry.Logger
	metrics    telemetry.Metrics

	// sendMu guards every SendMessage call on router. The dispatcher's
	// worker pool replies from arbitrary goroutines (spec.md #4.2), but a
	// czmq.Sock is not safe for concurrent use, so every reply is forced
	// through this short critical section around the send syscall.
	sendMu sync.Mutex

	done    chan struct{}
	stopped chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a Logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer binds a ROUTER socket at addrs[0] and additionally binds any
// further addresses in addrs (spec.md #6's optional second listen
// address), routing every request to dispatcher.
func NewServer(addrs []string, dispatcher *dispatch.Dispatcher, opts ...Option) (*Server, error) {
	if len(addrs) == 0 {
		return nil, errors.New("transport: at least one listen address is required")
	}
	router, err := czmq.NewRouter(addrs[0])
	if err != nil {
		return nil, fmt.Errorf("transport: bind router at %s: %w", addrs[0], err)
	}
	for _, extra := range addrs[1:] {
		if _, err := router.Bind(extra); err != nil {
			router.Destroy()
			return nil, fmt.Errorf("transport: bind router at %s: %w", extra, err)
		}
	}
	poller, err := czmq.NewPoller(router)
	if err != nil {
		router.Destroy()
		return nil, fmt.Errorf("transport: create poller: %w", err)
	}
	s := &Server{
		router:     router,
		poller:     poller,
		dispatcher: dispatcher,
		logger:     telemetry.NoopLogger{},
		metrics:    telemetry.NoopMetrics{},
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the accept loop on its own goroutine until ctx is canceled or
// Stop is called.
func (s *Server) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		sock, err := s.poller.Wait(pollTimeoutMs)
		if err != nil {
			s.logger.Error(ctx, "poller wait failed", "err", err)
			continue
		}
		if sock == nil {
			continue // poll timeout, loop back to check done/ctx
		}
		msg, err := sock.RecvMessage()
		if err != nil {
			s.logger.Warn(ctx, "recv failed", "err", err)
			continue
		}
		// ROUTER prefixes every message with the sender's identity frame;
		// the last frame is the instruction payload (spec.md #6).
		if len(msg) < 2 {
			s.logger.Warn(ctx, "malformed request: too few frames", "frames", len(msg))
			continue
		}
		identity := msg[0]
		payload := msg[len(msg)-1]
		s.dispatcher.Submit(ctx, payload, func(reply []byte) {
			s.sendMu.Lock()
			defer s.sendMu.Unlock()
			if err := s.router.SendMessage([][]byte{identity, reply}); err != nil {
				s.logger.Error(ctx, "send reply failed", "err", err)
			}
		})
	}
}

// Stop halts the accept loop and releases the ROUTER socket. It blocks
// until the loop goroutine has exited.
func (s *Server) Stop() error {
	close(s.done)
	<-s.stopped
	s.poller.Destroy()
	s.router.Destroy()
	return nil
}
