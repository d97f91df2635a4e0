// Package nostrrelay carries mailbox messages as NIP-04 encrypted direct
// messages. The recipient is addressed by the x-only form of its identity
// key, so the nostr secret key must be the identity private key.
package nostrrelay

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirdeggen/p2m/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	// identityTag carries the sender's compressed identity key.
	identityTag  = "identity"
	boxTag       = "t"
	listTimeout  = 10 * time.Second
	eventsBuffer = 64
)

type relay struct {
	urls     []string
	sk       string
	pk       string
	identity string

	lock  sync.Mutex
	conns map[string]*nostr.Relay
	acked map[string]struct{}
}

func NewRelay(urls []string, secretKey string) (ports.RelayService, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("missing nostr relay urls")
	}
	buf, err := hex.DecodeString(secretKey)
	if err != nil || len(buf) != 32 {
		return nil, fmt.Errorf("invalid nostr key, must be 32 bytes hex")
	}
	priv, _ := btcec.PrivKeyFromBytes(buf)
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid nostr key: %w", err)
	}

	return &relay{
		urls:     urls,
		sk:       secretKey,
		pk:       pk,
		identity: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		conns:    make(map[string]*nostr.Relay),
		acked:    make(map[string]struct{}),
	}, nil
}

func (r *relay) SendMessage(
	ctx context.Context, recipient, messageBox string, body []byte,
) (string, error) {
	if recipient == "" || messageBox == "" {
		return "", fmt.Errorf("missing recipient or message box")
	}
	ev, err := sealMessage(r.sk, r.identity, recipient, messageBox, body)
	if err != nil {
		return "", err
	}

	relays := r.connected(ctx)
	if len(relays) == 0 {
		return "", fmt.Errorf("no nostr relay reachable")
	}
	published := 0
	for _, rl := range relays {
		if err := rl.Publish(ctx, ev); err != nil {
			log.WithError(err).WithField("relay", rl.URL).Warn("failed to publish message")
			continue
		}
		published++
	}
	if published == 0 {
		return "", fmt.Errorf("message rejected by every nostr relay")
	}
	return ev.ID, nil
}

func (r *relay) Subscribe(
	ctx context.Context, messageBox string,
) (<-chan ports.PeerMessage, error) {
	relays := r.connected(ctx)
	if len(relays) == 0 {
		return nil, fmt.Errorf("no nostr relay reachable")
	}

	since := nostr.Now()
	filters := nostr.Filters{r.inboxFilter(messageBox, &since)}

	out := make(chan ports.PeerMessage, eventsBuffer)
	seen := sync.Map{}
	wg := sync.WaitGroup{}
	for _, rl := range relays {
		sub, err := rl.Subscribe(ctx, filters)
		if err != nil {
			log.WithError(err).WithField("relay", rl.URL).Warn("failed to subscribe")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					if _, dup := seen.LoadOrStore(ev.ID, struct{}{}); dup {
						continue
					}
					msg, err := openMessage(r.sk, r.identity, messageBox, ev)
					if err != nil {
						log.WithError(err).WithField("event", ev.ID).Warn("skipping nostr event")
						continue
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (r *relay) ListMessages(ctx context.Context, messageBox string) ([]ports.PeerMessage, error) {
	relays := r.connected(ctx)
	if len(relays) == 0 {
		return nil, fmt.Errorf("no nostr relay reachable")
	}

	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	filters := nostr.Filters{r.inboxFilter(messageBox, nil)}
	byId := make(map[string]ports.PeerMessage)
	for _, rl := range relays {
		sub, err := rl.Subscribe(ctx, filters)
		if err != nil {
			log.WithError(err).WithField("relay", rl.URL).Warn("failed to query relay")
			continue
		}
		r.drain(ctx, sub, messageBox, byId)
		sub.Unsub()
	}

	r.lock.Lock()
	messages := make([]ports.PeerMessage, 0, len(byId))
	for id, msg := range byId {
		if _, ok := r.acked[id]; ok {
			continue
		}
		messages = append(messages, msg)
	}
	r.lock.Unlock()

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt < messages[j].CreatedAt
	})
	return messages, nil
}

// Acknowledge hides the given messages from later listings and asks the
// relays to delete them.
func (r *relay) Acknowledge(ctx context.Context, messageIds []string) error {
	if len(messageIds) == 0 {
		return nil
	}
	r.lock.Lock()
	for _, id := range messageIds {
		r.acked[id] = struct{}{}
	}
	r.lock.Unlock()

	tags := make(nostr.Tags, 0, len(messageIds))
	for _, id := range messageIds {
		tags = append(tags, nostr.Tag{"e", id})
	}
	ev := nostr.Event{
		PubKey:    r.pk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindDeletion,
		Tags:      tags,
		Content:   "acknowledged",
	}
	if err := ev.Sign(r.sk); err != nil {
		return fmt.Errorf("failed to sign deletion request: %w", err)
	}
	for _, rl := range r.connected(ctx) {
		if err := rl.Publish(ctx, ev); err != nil {
			log.WithError(err).WithField("relay", rl.URL).Debug("deletion request rejected")
		}
	}
	return nil
}

func (r *relay) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for url, rl := range r.conns {
		// nolint
		rl.Close()
		delete(r.conns, url)
	}
}

func (r *relay) inboxFilter(messageBox string, since *nostr.Timestamp) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDirectMessage},
		Tags: nostr.TagMap{
			"p":    []string{r.pk},
			boxTag: []string{messageBox},
		},
		Since: since,
	}
}

func (r *relay) drain(
	ctx context.Context, sub *nostr.Subscription, messageBox string,
	byId map[string]ports.PeerMessage,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.EndOfStoredEvents:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if _, ok := byId[ev.ID]; ok {
				continue
			}
			msg, err := openMessage(r.sk, r.identity, messageBox, ev)
			if err != nil {
				log.WithError(err).WithField("event", ev.ID).Warn("skipping nostr event")
				continue
			}
			byId[ev.ID] = msg
		}
	}
}

// connected returns the relays currently reachable, connecting to the
// missing ones.
func (r *relay) connected(ctx context.Context) []*nostr.Relay {
	r.lock.Lock()
	defer r.lock.Unlock()

	relays := make([]*nostr.Relay, 0, len(r.urls))
	for _, url := range r.urls {
		if rl, ok := r.conns[url]; ok && rl.IsConnected() {
			relays = append(relays, rl)
			continue
		}
		rl, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.WithError(err).WithField("relay", url).Warn("failed to connect to nostr relay")
			continue
		}
		r.conns[url] = rl
		relays = append(relays, rl)
	}
	return relays
}
