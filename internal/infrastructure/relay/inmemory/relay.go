package inmemoryrelay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirdeggen/p2m/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

type mailboxKey struct {
	recipient  string
	messageBox string
}

type subscriber struct {
	key mailboxKey
	ch  chan ports.PeerMessage
}

// Broker is a process-local message relay shared by any number of clients.
type Broker struct {
	lock        sync.RWMutex
	messages    map[mailboxKey][]ports.PeerMessage
	owners      map[string]mailboxKey
	subscribers map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		messages:    make(map[mailboxKey][]ports.PeerMessage),
		owners:      make(map[string]mailboxKey),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Client returns a relay acting on behalf of the given identity key.
func (b *Broker) Client(identityKey string) ports.RelayService {
	return &relay{broker: b, identity: identityKey}
}

func (b *Broker) deliver(msg ports.PeerMessage) {
	key := mailboxKey{msg.Recipient, msg.MessageBox}

	b.lock.Lock()
	b.messages[key] = append(b.messages[key], msg)
	b.owners[msg.MessageId] = key
	subs := make([]*subscriber, 0)
	for sub := range b.subscribers {
		if sub.key == key {
			subs = append(subs, sub)
		}
	}
	b.lock.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			log.WithField("message_id", msg.MessageId).
				Warn("subscriber too slow, message left in mailbox")
		}
	}
}

type relay struct {
	broker   *Broker
	identity string
}

func NewRelay(identityKey string) ports.RelayService {
	return NewBroker().Client(identityKey)
}

func (r *relay) SendMessage(
	_ context.Context, recipient, messageBox string, body []byte,
) (string, error) {
	if recipient == "" || messageBox == "" {
		return "", fmt.Errorf("missing recipient or message box")
	}
	msg := ports.PeerMessage{
		MessageId:  uuid.New().String(),
		Sender:     r.identity,
		Recipient:  recipient,
		MessageBox: messageBox,
		Body:       append([]byte(nil), body...),
		CreatedAt:  time.Now().UnixMilli(),
	}
	r.broker.deliver(msg)
	return msg.MessageId, nil
}

func (r *relay) Subscribe(
	ctx context.Context, messageBox string,
) (<-chan ports.PeerMessage, error) {
	sub := &subscriber{
		key: mailboxKey{r.identity, messageBox},
		ch:  make(chan ports.PeerMessage, subscriberBuffer),
	}

	r.broker.lock.Lock()
	r.broker.subscribers[sub] = struct{}{}
	r.broker.lock.Unlock()

	out := make(chan ports.PeerMessage)
	go func() {
		defer close(out)
		defer func() {
			r.broker.lock.Lock()
			delete(r.broker.subscribers, sub)
			r.broker.lock.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *relay) ListMessages(_ context.Context, messageBox string) ([]ports.PeerMessage, error) {
	r.broker.lock.RLock()
	defer r.broker.lock.RUnlock()

	box := r.broker.messages[mailboxKey{r.identity, messageBox}]
	return append(make([]ports.PeerMessage, 0, len(box)), box...), nil
}

func (r *relay) Acknowledge(_ context.Context, messageIds []string) error {
	r.broker.lock.Lock()
	defer r.broker.lock.Unlock()

	for _, id := range messageIds {
		key, ok := r.broker.owners[id]
		if !ok || key.recipient != r.identity {
			continue
		}
		box := r.broker.messages[key]
		for i, msg := range box {
			if msg.MessageId == id {
				r.broker.messages[key] = append(box[:i:i], box[i+1:]...)
				break
			}
		}
		delete(r.broker.owners, id)
	}
	return nil
}

func (r *relay) Close() {}
