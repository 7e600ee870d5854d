package gateway

import (
	"sync"

	"github.com/withmagi/magi/internal/usage"
	"github.com/withmagi/magi/pkg/models"
)

// UI channels. Fan-out is best effort: a subscriber that cannot keep up
// misses updates rather than blocking the reader tasks.
const (
	ChannelProcessMessage = "process:message"
	ChannelCostInfo       = "cost:info"
	ChannelSystemStatus   = "system:status"
)

// ProcessMessage is the payload on process:message.
type ProcessMessage struct {
	ID      string             `json:"id"`
	Message models.MagiMessage `json:"message"`
}

// Broadcaster fans events out to UI subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	processSubs []chan ProcessMessage
	costSubs    []chan *usage.GlobalSnapshot
	statusSubs  []chan any
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// SubscribeProcessMessages returns a channel receiving every inbound
// process message. The buffer absorbs bursts; overflow is dropped.
func (b *Broadcaster) SubscribeProcessMessages(buffer int) <-chan ProcessMessage {
	ch := make(chan ProcessMessage, buffer)
	b.mu.Lock()
	b.processSubs = append(b.processSubs, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeCostInfo returns a channel receiving global cost snapshots.
func (b *Broadcaster) SubscribeCostInfo(buffer int) <-chan *usage.GlobalSnapshot {
	ch := make(chan *usage.GlobalSnapshot, buffer)
	b.mu.Lock()
	b.costSubs = append(b.costSubs, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeSystemStatus returns a channel receiving core status payloads.
func (b *Broadcaster) SubscribeSystemStatus(buffer int) <-chan any {
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.statusSubs = append(b.statusSubs, ch)
	b.mu.Unlock()
	return ch
}

// PublishProcessMessage fans a message out on process:message.
func (b *Broadcaster) PublishProcessMessage(processID string, msg models.MagiMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	payload := ProcessMessage{ID: processID, Message: msg}
	for _, ch := range b.processSubs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// PublishCostInfo fans a snapshot out on cost:info.
func (b *Broadcaster) PublishCostInfo(snapshot *usage.GlobalSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.costSubs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// PublishSystemStatus fans a core status payload out on system:status.
func (b *Broadcaster) PublishSystemStatus(status any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.statusSubs {
		select {
		case ch <- status:
		default:
		}
	}
}
