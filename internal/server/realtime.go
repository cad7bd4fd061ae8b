package server

import (
	"context"
	"sync"

	"github.com/diffye/ctf-backend/internal/submissions"
)

const (
	realtimeEventSolve     = "solve"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "ctf-backend"

	defaultFeedBuffer = 16
)

// SolveFeed broadcasts solve events to every open stream. Slow subscribers miss
// events rather than stall the submission path.
type SolveFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	filter string
	stream chan submissions.SolveEvent
}

// NewSolveFeed constructs an empty feed.
func NewSolveFeed() *SolveFeed {
	return &SolveFeed{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  defaultFeedBuffer,
	}
}

// Subscribe registers a stream until ctx is done or cleanup is called. A non-empty
// challengeID restricts the stream to that challenge.
func (f *SolveFeed) Subscribe(ctx context.Context, challengeID string) (<-chan submissions.SolveEvent, func()) {
	subscriber := &feedSubscriber{
		filter: challengeID,
		stream: make(chan submissions.SolveEvent, f.bufferSize),
	}
	f.register(subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishSolve implements submissions.SolvePublisher.
func (f *SolveFeed) PublishSolve(event submissions.SolveEvent) {
	if event.UserID == "" || event.ChallengeID == "" {
		return
	}
	f.mu.RLock()
	targets := make([]*feedSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		if subscriber.filter == "" || subscriber.filter == event.ChallengeID {
			targets = append(targets, subscriber)
		}
	}
	f.mu.RUnlock()

	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of open streams.
func (f *SolveFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

func (f *SolveFeed) register(subscriber *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	subscriber.id = f.nextID
	f.subscribers[subscriber.id] = subscriber
}

func (f *SolveFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
