package ports

import "context"

type PeerMessage struct {
	MessageId  string
	Sender     string
	Recipient  string
	MessageBox string
	// Body is a JSON value, either an object or a string holding one.
	Body      []byte
	CreatedAt int64
}

// RelayService is a store-and-forward mailbox. Messages stay listed until
// acknowledged.
type RelayService interface {
	SendMessage(ctx context.Context, recipient, messageBox string, body []byte) (string, error)
	// Subscribe delivers new messages of the given box until ctx is done.
	Subscribe(ctx context.Context, messageBox string) (<-chan PeerMessage, error)
	ListMessages(ctx context.Context, messageBox string) ([]PeerMessage, error)
	Acknowledge(ctx context.Context, messageIds []string) error
	Close()
}
