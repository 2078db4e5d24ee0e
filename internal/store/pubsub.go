package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live set of channel subscriptions. Close it when done.
type Subscription struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex

	redisSub *redis.PubSub
}

// Channel returns the delivery channel.
func (s *Subscription) Channel() <-chan *Message {
	return s.msgChan
}

// Close tears the subscription down.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgChan)
		if s.redisSub != nil {
			return s.redisSub.Close()
		}
	}
	return nil
}

func (s *Subscription) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// send delivers without blocking; a slow consumer drops messages rather than
// stalling the publisher.
func (s *Subscription) send(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.msgChan <- msg:
	default:
	}
}

// Bus fans messages out to subscribers. With a Redis client it rides Redis
// pub/sub so multiple backend instances share one bus; without it an
// in-process hub serves single-instance and test runs.
type Bus struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

// NewBus creates an in-process bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string][]*Subscription),
	}
}

// NewRedisBus creates a bus backed by Redis pub/sub.
func NewRedisBus(client *redis.Client, logger *zap.SugaredLogger) *Bus {
	return &Bus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*Subscription),
	}
}

// Publish sends a JSON-encoded message to a channel.
func (b *Bus) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if b.client != nil {
		if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
			if b.logger != nil {
				b.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	b.mu.RLock()
	subscribers := append([]*Subscription(nil), b.subscribers[channel]...)
	b.mu.RUnlock()

	msg := &Message{Channel: channel, Payload: string(data)}
	for _, sub := range subscribers {
		if !sub.isClosed() {
			sub.send(msg)
		}
	}
	return nil
}

// Subscribe starts listening on the given channels until ctx is done or the
// returned Subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *Subscription {
	channelMap := make(map[string]bool, len(channels))
	for _, ch := range channels {
		channelMap[ch] = true
	}

	sub := &Subscription{
		channels: channelMap,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}

	if b.client != nil {
		redisSub := b.client.Subscribe(ctx, channels...)
		sub.redisSub = redisSub
		go func() {
			ch := redisSub.Channel()
			for {
				select {
				case <-ctx.Done():
					sub.Close()
					return
				case <-sub.closeCh:
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					sub.send(&Message{Channel: msg.Channel, Payload: msg.Payload})
				}
			}
		}()
		return sub
	}

	b.mu.Lock()
	for _, channel := range channels {
		b.subscribers[channel] = append(b.subscribers[channel], sub)
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		for _, channel := range channels {
			subscribers := b.subscribers[channel]
			for i, s := range subscribers {
				if s == sub {
					b.subscribers[channel] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subscribers[channel]) == 0 {
				delete(b.subscribers, channel)
			}
		}
	}()

	return sub
}
