package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/geofleet/fleet-server-go/internal/redis"
)

const (
	KeepAliveInterval = 30 * time.Second
	clientBufferSize  = 100
)

type Client struct {
	AccountID string
	Events    chan Event
	Done      chan struct{}
}

type accountSubscription struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

// Broker relays events published on any instance to the SSE clients
// connected to this one.
type Broker struct {
	redis    *redisclient.Client
	accounts map[string]*accountSubscription
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

var _ Publisher = (*Broker)(nil)

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:    redisClient,
		accounts: make(map[string]*accountSubscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Broker) Subscribe(accountID string) *Client {
	client, accountCtx := b.register(accountID)
	if accountCtx != nil {
		go b.subscribeToRedis(accountCtx, accountID)
	}
	return client
}

// register adds a client and returns a non-nil context when it is the first
// one for the account and a Redis subscription must be started.
func (b *Broker) register(accountID string) (*Client, context.Context) {
	client := &Client{
		AccountID: accountID,
		Events:    make(chan Event, clientBufferSize),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var accountCtx context.Context
	sub, ok := b.accounts[accountID]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		sub = &accountSubscription{clients: make(map[*Client]struct{}), cancel: cancel}
		b.accounts[accountID] = sub
		accountCtx = ctx
	}
	sub.clients[client] = struct{}{}

	log.Info().
		Str("accountId", accountID).
		Int("clientCount", len(sub.clients)).
		Msg("event client subscribed")

	return client, accountCtx
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.accounts[client.AccountID]
	if !ok {
		return
	}
	if _, ok := sub.clients[client]; !ok {
		return
	}
	delete(sub.clients, client)
	close(client.Done)

	if len(sub.clients) == 0 {
		sub.cancel()
		delete(b.accounts, client.AccountID)
	}

	log.Info().
		Str("accountId", client.AccountID).
		Int("clientCount", len(sub.clients)).
		Msg("event client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, accountID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.DeviceChannel(accountID), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, accountID string) {
	channel := redisclient.DeviceChannel(accountID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("accountId", accountID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(accountID, event)
		}
	}
}

// broadcast never blocks; a client whose buffer is full misses the event.
func (b *Broker) broadcast(accountID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.accounts[accountID]
	if !ok {
		return
	}
	for client := range sub.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("accountId", accountID).
				Str("eventType", string(event.Type)).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.accounts {
		for client := range sub.clients {
			close(client.Done)
		}
	}
	b.accounts = make(map[string]*accountSubscription)
}

func (b *Broker) ClientCount(accountID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.accounts[accountID]; ok {
		return len(sub.clients)
	}
	return 0
}
