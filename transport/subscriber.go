package transport

import (
	"encoding/json"
	"sync"
	"time"

	czmq "github.com/zeromq/goczmq/v4"

	"github.com/toolsforexperiments/instrumentserver/wire"
)

// subscriberPollTimeoutMs bounds how long a single poll blocks so Stop can
// observe the done signal promptly.
const subscriberPollTimeoutMs = 250

// Event is one decoded broadcast frame delivered to a Subscriber consumer.
type Event struct {
	Topic string
	Body  wire.BroadcastBody
}

// Subscriber wraps a ZeroMQ SUB socket, decoding every [topic, body]
// frame pair into an Event (spec.md #4.5).
type Subscriber struct {
	sock *czmq.Sock
	out  chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

// NewSubscriber connects a SUB socket to addr filtered to topicPrefix. An
// empty prefix subscribes to every topic.
func NewSubscriber(addr, topicPrefix string) (*Subscriber, error) {
	sock, err := czmq.NewSub(addr, topicPrefix)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		sock: sock,
		out:  make(chan Event, 64),
		done: make(chan struct{}),
	}, nil
}

// Start begins receiving on a dedicated goroutine and returns the channel
// events are delivered on. The channel is closed once Stop completes.
func (s *Subscriber) Start() <-chan Event {
	s.wg.Add(1)
	go s.loop()
	return s.out
}

func (s *Subscriber) loop() {
	defer s.wg.Done()
	defer close(s.out)
	poller, err := czmq.NewPoller(s.sock)
	if err != nil {
		return
	}
	defer poller.Destroy()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		sock, err := poller.Wait(subscriberPollTimeoutMs)
		if err != nil || sock == nil {
			continue
		}
		frames, err := sock.RecvMessage()
		if err != nil || len(frames) < 2 {
			continue
		}
		var body wire.BroadcastBody
		if err := json.Unmarshal(frames[1], &body); err != nil {
			continue
		}
		ev := Event{Topic: string(frames[0]), Body: body}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Stop halts the receive loop and releases the SUB socket, waiting up to
// gracePeriod for the loop goroutine to exit cleanly before returning.
func (s *Subscriber) Stop(gracePeriod time.Duration) error {
	close(s.done)
	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(gracePeriod):
	}
	s.sock.Destroy()
	return nil
}
