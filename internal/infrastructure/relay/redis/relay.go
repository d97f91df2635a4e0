package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirdeggen/p2m/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	seqKey      = "relay:seq"
	indexKey    = "relay:index"
	boxPrefix   = "relay:box"
	orderPrefix = "relay:order"
	livePrefix  = "relay:live"
)

type storedMessage struct {
	MessageId  string `json:"messageId"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	MessageBox string `json:"messageBox"`
	Body       []byte `json:"body"`
	CreatedAt  int64  `json:"createdAt"`
}

func (m storedMessage) toPeerMessage() ports.PeerMessage {
	return ports.PeerMessage{
		MessageId:  m.MessageId,
		Sender:     m.Sender,
		Recipient:  m.Recipient,
		MessageBox: m.MessageBox,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

// relay keeps every mailbox in a hash of messages plus a sorted set giving
// their delivery order, and publishes new messages on a per-mailbox channel.
type relay struct {
	rdb          *redis.Client
	identity     string
	numOfRetries int
	retryDelay   time.Duration
}

func NewRelay(rdb *redis.Client, identityKey string, numOfRetries int) ports.RelayService {
	if numOfRetries <= 0 {
		numOfRetries = 1
	}
	return &relay{
		rdb:          rdb,
		identity:     identityKey,
		numOfRetries: numOfRetries,
		retryDelay:   10 * time.Millisecond,
	}
}

func (r *relay) SendMessage(
	ctx context.Context, recipient, messageBox string, body []byte,
) (string, error) {
	if recipient == "" || messageBox == "" {
		return "", fmt.Errorf("missing recipient or message box")
	}
	msg := storedMessage{
		MessageId:  uuid.New().String(),
		Sender:     r.identity,
		Recipient:  recipient,
		MessageBox: messageBox,
		Body:       body,
		CreatedAt:  time.Now().UnixMilli(),
	}
	val, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	seq, err := r.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate message sequence: %w", err)
	}

	mailbox := mailboxId(recipient, messageBox)
	for range r.numOfRetries {
		if _, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, boxKey(mailbox), msg.MessageId, val)
			pipe.ZAdd(ctx, orderKey(mailbox), redis.Z{Score: float64(seq), Member: msg.MessageId})
			pipe.HSet(ctx, indexKey, msg.MessageId, mailbox)
			pipe.Publish(ctx, liveKey(mailbox), val)
			return nil
		}); err == nil {
			return msg.MessageId, nil
		}
		time.Sleep(r.retryDelay)
	}
	return "", fmt.Errorf(
		"failed to send message after max number of retries: %v", err,
	)
}

func (r *relay) Subscribe(
	ctx context.Context, messageBox string,
) (<-chan ports.PeerMessage, error) {
	pubsub := r.rdb.Subscribe(ctx, liveKey(mailboxId(r.identity, messageBox)))
	if _, err := pubsub.Receive(ctx); err != nil {
		// nolint
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to message box: %w", err)
	}

	out := make(chan ports.PeerMessage)
	go func() {
		defer close(out)
		// nolint
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg storedMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					log.WithError(err).Warn("skipping malformed relay message")
					continue
				}
				select {
				case out <- msg.toPeerMessage():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *relay) ListMessages(ctx context.Context, messageBox string) ([]ports.PeerMessage, error) {
	mailbox := mailboxId(r.identity, messageBox)
	ids, err := r.rdb.ZRange(ctx, orderKey(mailbox), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	if len(ids) == 0 {
		return []ports.PeerMessage{}, nil
	}

	vals, err := r.rdb.HMGet(ctx, boxKey(mailbox), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	messages := make([]ports.PeerMessage, 0, len(vals))
	for i, val := range vals {
		str, ok := val.(string)
		if !ok {
			log.WithField("message_id", ids[i]).Warn("message listed but not found")
			continue
		}
		var msg storedMessage
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			return nil, fmt.Errorf("malformed message in storage %s: %v", ids[i], err)
		}
		messages = append(messages, msg.toPeerMessage())
	}
	return messages, nil
}

func (r *relay) Acknowledge(ctx context.Context, messageIds []string) error {
	if len(messageIds) == 0 {
		return nil
	}
	mailboxes, err := r.rdb.HMGet(ctx, indexKey, messageIds...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to look up messages: %w", err)
	}

	owned := make(map[string][]string)
	for i, val := range mailboxes {
		mailbox, ok := val.(string)
		if !ok || mailbox != mailboxId(r.identity, boxOf(mailbox)) {
			continue
		}
		owned[mailbox] = append(owned[mailbox], messageIds[i])
	}
	if len(owned) == 0 {
		return nil
	}

	for range r.numOfRetries {
		if _, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for mailbox, ids := range owned {
				pipe.HDel(ctx, boxKey(mailbox), ids...)
				members := make([]any, 0, len(ids))
				for _, id := range ids {
					members = append(members, id)
				}
				pipe.ZRem(ctx, orderKey(mailbox), members...)
				pipe.HDel(ctx, indexKey, ids...)
			}
			return nil
		}); err == nil {
			return nil
		}
		time.Sleep(r.retryDelay)
	}
	return fmt.Errorf("failed to acknowledge messages after max number of retries: %v", err)
}

func (r *relay) Close() {}

func mailboxId(recipient, messageBox string) string {
	return fmt.Sprintf("%s:%s", recipient, messageBox)
}

// boxOf returns the message box part of a mailbox id. Identity keys are hex
// so the first separator ends the recipient.
func boxOf(mailbox string) string {
	_, box, _ := strings.Cut(mailbox, ":")
	return box
}

func boxKey(mailbox string) string   { return fmt.Sprintf("%s:%s", boxPrefix, mailbox) }
func orderKey(mailbox string) string { return fmt.Sprintf("%s:%s", orderPrefix, mailbox) }
func liveKey(mailbox string) string  { return fmt.Sprintf("%s:%s", livePrefix, mailbox) }
