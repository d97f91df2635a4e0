// Package messageboxrelay talks to a store-and-forward MessageBox server over
// HTTP and receives live deliveries through a plain websocket.
//
// The HTTP calls follow the MessageBox REST routes. Live delivery does not
// speak the server's authenticated socket protocol: it dials
// {url}/subscribe?messageBox=<box> with a bearer header and expects the
// stored message objects as JSON frames, which a compatible gateway in front
// of the MessageBox server has to provide. Without one, ListMessages still
// returns every stored payment.
package messageboxrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirdeggen/p2m/internal/core/ports"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	identityHeader = "X-Identity-Key"
	defaultTimeout = 30 * time.Second
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

type sendMessageRequest struct {
	Message outgoingMessage `json:"message"`
}

type outgoingMessage struct {
	Recipient  string `json:"recipient"`
	MessageBox string `json:"messageBox"`
	MessageId  string `json:"messageId"`
	Body       string `json:"body"`
}

type relay struct {
	baseUrl    string
	wsUrl      string
	authToken  string
	identity   string
	httpClient *http.Client
	dialer     *websocket.Dialer

	lock  sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewRelay(
	baseUrl, authToken, identityKey string, timeout time.Duration,
) (ports.RelayService, error) {
	u, err := url.ParseRequestURI(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid message box url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported message box url scheme %s", u.Scheme)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &relay{
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		wsUrl:      strings.TrimRight(u.String(), "/"),
		authToken:  authToken,
		identity:   identityKey,
		httpClient: &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

func (r *relay) SendMessage(
	ctx context.Context, recipient, messageBox string, body []byte,
) (string, error) {
	if recipient == "" || messageBox == "" {
		return "", fmt.Errorf("missing recipient or message box")
	}
	req := sendMessageRequest{
		Message: outgoingMessage{
			Recipient:  recipient,
			MessageBox: messageBox,
			MessageId:  uuid.New().String(),
			Body:       string(body),
		},
	}
	res, err := r.post(ctx, "/sendMessage", req)
	if err != nil {
		return "", err
	}
	if id := res.Get("messageId").String(); id != "" {
		return id, nil
	}
	return req.Message.MessageId, nil
}

func (r *relay) ListMessages(ctx context.Context, messageBox string) ([]ports.PeerMessage, error) {
	res, err := r.post(ctx, "/listMessages", map[string]string{"messageBox": messageBox})
	if err != nil {
		return nil, err
	}

	messages := make([]ports.PeerMessage, 0)
	for _, item := range res.Get("messages").Array() {
		msg, ok := r.parseMessage(item, messageBox)
		if !ok {
			log.WithField("message", item.Raw).Warn("skipping malformed message box entry")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *relay) Acknowledge(ctx context.Context, messageIds []string) error {
	if len(messageIds) == 0 {
		return nil
	}
	_, err := r.post(ctx, "/acknowledgeMessage", map[string][]string{"messageIds": messageIds})
	return err
}

// Subscribe keeps a websocket open to the server, reconnecting with
// exponential backoff until ctx is done.
func (r *relay) Subscribe(
	ctx context.Context, messageBox string,
) (<-chan ports.PeerMessage, error) {
	conn, err := r.dial(ctx, messageBox)
	if err != nil {
		return nil, err
	}

	out := make(chan ports.PeerMessage)
	go func() {
		defer close(out)

		backoff := minBackoff
		for {
			if conn != nil {
				r.readLoop(ctx, conn, messageBox, out)
				backoff = minBackoff
			}
			if ctx.Err() != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)

			if conn, err = r.dial(ctx, messageBox); err != nil {
				log.WithError(err).Warn("failed to reconnect to message box")
				conn = nil
			}
		}
	}()
	return out, nil
}

func (r *relay) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for conn := range r.conns {
		// nolint
		conn.Close()
	}
	r.conns = make(map[*websocket.Conn]struct{})
}

func (r *relay) dial(ctx context.Context, messageBox string) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/subscribe?messageBox=%s", r.wsUrl, url.QueryEscape(messageBox))
	conn, resp, err := r.dialer.DialContext(ctx, endpoint, r.headers())
	if resp != nil && resp.Body != nil {
		// nolint
		resp.Body.Close()
	}
	if err != nil {
		return nil, perrors.NETWORK_ERROR.Wrap(
			fmt.Errorf("failed to connect to message box: %w", err),
		).WithMetadata(perrors.NetworkMetadata{Endpoint: r.wsUrl + "/subscribe"})
	}

	r.lock.Lock()
	r.conns[conn] = struct{}{}
	r.lock.Unlock()
	return conn, nil
}

func (r *relay) readLoop(
	ctx context.Context, conn *websocket.Conn, messageBox string, out chan<- ports.PeerMessage,
) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		// nolint
		conn.Close()
	}()
	defer func() {
		r.lock.Lock()
		delete(r.conns, conn)
		r.lock.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("message box connection closed")
			}
			return
		}
		if !gjson.ValidBytes(data) {
			log.Warn("skipping malformed live message")
			continue
		}
		msg, ok := r.parseMessage(gjson.ParseBytes(data), messageBox)
		if !ok {
			log.WithField("message", string(data)).Warn("skipping malformed live message")
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// parseMessage reads a message box entry. The body is kept as raw JSON, a
// string or an object.
func (r *relay) parseMessage(item gjson.Result, messageBox string) (ports.PeerMessage, bool) {
	id := item.Get("messageId").String()
	body := item.Get("body")
	if id == "" || !body.Exists() {
		return ports.PeerMessage{}, false
	}

	createdAt := time.Now().UnixMilli()
	if ts := item.Get("created_at"); ts.Exists() {
		if ts.Type == gjson.Number {
			createdAt = ts.Int()
		} else if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			createdAt = t.UnixMilli()
		}
	}

	return ports.PeerMessage{
		MessageId:  id,
		Sender:     item.Get("sender").String(),
		Recipient:  r.identity,
		MessageBox: messageBox,
		Body:       []byte(body.Raw),
		CreatedAt:  createdAt,
	}, true
}

func (r *relay) post(ctx context.Context, path string, payload any) (gjson.Result, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, err
	}
	networkErr := func(statusCode int, err error) error {
		return perrors.NETWORK_ERROR.Wrap(err).WithMetadata(perrors.NetworkMetadata{
			Endpoint:   r.baseUrl + path,
			StatusCode: statusCode,
		})
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseUrl+path, bytes.NewReader(buf))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header = r.headers()
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, networkErr(0, err)
	}
	// nolint
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, networkErr(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, networkErr(resp.StatusCode, fmt.Errorf(
			"message box %s failed with status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(body)),
		))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, perrors.PARSE_ERROR.New("invalid message box response to %s", path)
	}
	res := gjson.ParseBytes(body)
	if res.Get("status").String() == "error" {
		return gjson.Result{}, fmt.Errorf(
			"message box %s failed: %s", path, res.Get("description").String(),
		)
	}
	return res, nil
}

func (r *relay) headers() http.Header {
	h := http.Header{}
	h.Set(identityHeader, r.identity)
	if r.authToken != "" {
		h.Set("Authorization", "Bearer "+r.authToken)
	}
	return h
}
