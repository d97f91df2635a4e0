package proofservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirdeggen/p2m/internal/core/ports"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
	retryDelay     = 200 * time.Millisecond
	maxErrorBody   = 512
)

type service struct {
	baseUrl    string
	authToken  string
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
}

type Option func(*service)

// WithRetry overrides the number of attempts and the base backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.delay = delay
	}
}

func NewService(
	baseUrl, authToken string, timeout time.Duration, opts ...Option,
) (ports.ProofService, error) {
	if _, err := url.ParseRequestURI(baseUrl); err != nil {
		return nil, fmt.Errorf("invalid proof service url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	svc := &service{
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   maxAttempts,
		delay:      retryDelay,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func (s *service) FetchBeef(ctx context.Context, txid string) ([]byte, error) {
	if len(txid) != 64 {
		return nil, perrors.INVALID_ARGUMENT.New("invalid txid %s", txid)
	}
	path := fmt.Sprintf("/v5/tx/%s/beef", txid)

	body, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, perrors.SOURCE_RESOLUTION.New("empty bundle for tx %s", txid).
			WithMetadata(perrors.SourceResolutionMetadata{Txid: txid})
	}
	return body, nil
}

func (s *service) ListUtxos(ctx context.Context, addresses []string) ([]ports.Utxo, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(addresses)
	if err != nil {
		return nil, perrors.INTERNAL_ERROR.Wrap(err)
	}

	body, err := s.do(ctx, http.MethodPost, "/v1/utxos", payload)
	if err != nil {
		return nil, err
	}
	return parseUtxos(body)
}

// parseUtxos accepts a list of {txid, vout} objects, also tolerating an
// outpoint field in txid.vout or txid_vout form and string vouts.
func parseUtxos(body []byte) ([]ports.Utxo, error) {
	if !gjson.ValidBytes(body) {
		return nil, perrors.PARSE_ERROR.New("invalid utxo list: %s", truncate(body))
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return nil, perrors.PARSE_ERROR.New("utxo list is not an array: %s", truncate(body))
	}

	utxos := make([]ports.Utxo, 0)
	var parseErr error
	res.ForEach(func(_, item gjson.Result) bool {
		txid := item.Get("txid").String()
		voutRes := item.Get("vout")
		if outpoint := item.Get("outpoint").String(); txid == "" && outpoint != "" {
			sep := strings.LastIndexAny(outpoint, "._")
			if sep < 0 {
				parseErr = perrors.PARSE_ERROR.New("invalid outpoint %s", outpoint)
				return false
			}
			txid = outpoint[:sep]
			voutRes = gjson.Parse(outpoint[sep+1:])
		}
		if len(txid) != 64 || !voutRes.Exists() {
			parseErr = perrors.PARSE_ERROR.New("invalid utxo entry %s", item.Raw)
			return false
		}
		vout, err := strconv.ParseUint(voutRes.String(), 10, 32)
		if err != nil {
			parseErr = perrors.PARSE_ERROR.New("invalid vout in utxo entry %s", item.Raw)
			return false
		}
		utxos = append(utxos, ports.Utxo{Txid: txid, Vout: uint32(vout)})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return utxos, nil
}

func (s *service) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	endpoint := s.baseUrl + path
	if s.authToken != "" {
		endpoint = fmt.Sprintf("%s?auth_token=%s", endpoint, url.QueryEscape(s.authToken))
	}

	var body []byte
	err := retry.Do(
		func() error {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return perrors.INTERNAL_ERROR.Wrap(err)
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := s.httpClient.Do(req)
			if err != nil {
				return s.networkErr(path, 0, err)
			}
			// nolint
			defer resp.Body.Close()

			buf, err := io.ReadAll(resp.Body)
			if err != nil {
				return s.networkErr(path, resp.StatusCode, err)
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return s.networkErr(path, resp.StatusCode, fmt.Errorf(
					"status %d: %s", resp.StatusCode, truncate(buf),
				))
			}
			if resp.StatusCode == http.StatusNotFound {
				return perrors.SOURCE_RESOLUTION.New("%s not found", path)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return s.networkErr(path, resp.StatusCode, fmt.Errorf(
					"status %d: %s", resp.StatusCode, truncate(buf),
				))
			}
			body = buf
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("retrying %s %s (attempt %d)", method, path, n+1)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *service) networkErr(path string, statusCode int, err error) error {
	return perrors.NETWORK_ERROR.Wrap(err).WithMetadata(perrors.NetworkMetadata{
		Endpoint:   s.baseUrl + path,
		StatusCode: statusCode,
	})
}

// isTransient retries transport failures, rate limiting and server errors.
func isTransient(err error) bool {
	var typed perrors.TypedError[perrors.NetworkMetadata]
	if !errors.As(err, &typed) {
		return false
	}
	status := typed.TypedMetadata().StatusCode
	return status == 0 || status >= 500 || status == http.StatusTooManyRequests
}

func truncate(buf []byte) string {
	if len(buf) > maxErrorBody {
		buf = buf[:maxErrorBody]
	}
	return strings.TrimSpace(string(buf))
}
