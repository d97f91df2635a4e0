package nostrrelay

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/sirdeggen/p2m/internal/core/ports"
)

// xOnly drops the parity byte of a compressed public key.
func xOnly(compressed string) (string, error) {
	if len(compressed) != 66 || (compressed[:2] != "02" && compressed[:2] != "03") {
		return "", fmt.Errorf("invalid compressed public key %s", compressed)
	}
	return compressed[2:], nil
}

func sealMessage(
	sk, identity, recipient, messageBox string, body []byte,
) (nostr.Event, error) {
	recipientPk, err := xOnly(recipient)
	if err != nil {
		return nostr.Event{}, err
	}
	shared, err := nip04.ComputeSharedSecret(recipientPk, sk)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	content, err := nip04.Encrypt(string(body), shared)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encrypt message: %w", err)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nostr.Event{}, err
	}

	ev := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags: nostr.Tags{
			nostr.Tag{"p", recipientPk},
			nostr.Tag{boxTag, messageBox},
			nostr.Tag{identityTag, identity},
		},
		Content: content,
	}
	if err := ev.Sign(sk); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return ev, nil
}

func openMessage(
	sk, identity, messageBox string, ev *nostr.Event,
) (ports.PeerMessage, error) {
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return ports.PeerMessage{}, fmt.Errorf("invalid event signature")
	}
	shared, err := nip04.ComputeSharedSecret(ev.PubKey, sk)
	if err != nil {
		return ports.PeerMessage{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(ev.Content, shared)
	if err != nil {
		return ports.PeerMessage{}, fmt.Errorf("failed to decrypt message: %w", err)
	}

	// The identity tag tells the parity the x-only event key lost.
	sender := "02" + ev.PubKey
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != identityTag {
			continue
		}
		if pk, err := xOnly(tag[1]); err == nil && pk == ev.PubKey {
			sender = tag[1]
		}
	}

	return ports.PeerMessage{
		MessageId:  ev.ID,
		Sender:     sender,
		Recipient:  identity,
		MessageBox: messageBox,
		Body:       []byte(plaintext),
		CreatedAt:  int64(ev.CreatedAt) * 1000,
	}, nil
}
