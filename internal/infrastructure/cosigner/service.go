package cosigner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/ports"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	transferPath   = "/v1/transfer"
	defaultTimeout = 30 * time.Second
	// maxErrorBody caps how much of a failed response is kept in the error.
	maxErrorBody = 512
)

type transferRequest struct {
	RawTx string `json:"rawtx"`
}

type transferResponse struct {
	RawTx string `json:"rawtx"`
}

type service struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

func NewService(endpoint, authToken string, timeout time.Duration) (ports.CosignerService, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid cosigner url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &service{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (s *service) Submit(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, error) {
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, perrors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to serialize tx: %w", err))
	}
	payload, err := json.Marshal(transferRequest{
		RawTx: base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, perrors.INTERNAL_ERROR.Wrap(err)
	}

	endpoint := fmt.Sprintf(
		"%s%s?auth_token=%s", s.endpoint, transferPath, url.QueryEscape(s.authToken),
	)
	networkErr := func(statusCode int, err error) error {
		return perrors.NETWORK_ERROR.Wrap(err).WithMetadata(perrors.NetworkMetadata{
			Endpoint:   s.endpoint + transferPath,
			StatusCode: statusCode,
		})
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, perrors.INTERNAL_ERROR.Wrap(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, networkErr(0, fmt.Errorf("failed to reach cosigner: %w", err))
	}
	// nolint
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkErr(resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}
	txid := tx.TxHash().String()
	rejected := func(format string, args ...any) error {
		return perrors.BROADCAST_REJECTED.New(format, args...).
			WithMetadata(perrors.BroadcastRejectedMetadata{Txid: txid})
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		reason := strings.TrimSpace(string(body))
		// the cosigner refused the tx itself, anything else leaves the
		// outcome unknown
		if resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, rejected("cosigner rejected tx %s: %s", txid, reason)
		}
		return nil, networkErr(resp.StatusCode, fmt.Errorf(
			"cosigner responded with status %d: %s", resp.StatusCode, reason,
		))
	}

	var res transferResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, rejected("invalid cosigner response: %s", err)
	}
	if res.RawTx == "" {
		return nil, rejected("cosigner response for tx %s has no rawtx", txid)
	}
	raw, err := base64.StdEncoding.DecodeString(res.RawTx)
	if err != nil {
		return nil, rejected("cosigner returned undecodable rawtx: %s", err)
	}
	finalized := wire.NewMsgTx(1)
	if err := finalized.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return nil, rejected("cosigner returned invalid tx: %s", err)
	}

	log.WithFields(log.Fields{
		"txid":      txid,
		"finalized": finalized.TxHash().String(),
	}).Debug("transfer cosigned and broadcast")
	return finalized, nil
}
