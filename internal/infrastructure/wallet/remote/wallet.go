// Package remotewallet is a client of a BRC-100 wallet exposing its methods
// as HTTP JSON endpoints, POST {base}/{method}.
package remotewallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout   = 2 * time.Minute
	listOutputsLimit = 10000
	basketInsertion  = "basket insertion"
	entireTxs        = "entire transactions"
)

type listOutputsRequest struct {
	Basket                    string `json:"basket"`
	Include                   string `json:"include"`
	IncludeCustomInstructions bool   `json:"includeCustomInstructions"`
	Limit                     int    `json:"limit"`
}

type listOutputsResponse struct {
	TotalOutputs int              `json:"totalOutputs"`
	BEEF         domain.ByteArray `json:"BEEF"`
	Outputs      []struct {
		Outpoint           string `json:"outpoint"`
		Satoshis           uint64 `json:"satoshis"`
		Spendable          bool   `json:"spendable"`
		CustomInstructions string `json:"customInstructions"`
	} `json:"outputs"`
}

type insertionRemittance struct {
	Basket             string   `json:"basket"`
	CustomInstructions string   `json:"customInstructions,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

type internalizeOutput struct {
	OutputIndex         uint32              `json:"outputIndex"`
	Protocol            string              `json:"protocol"`
	InsertionRemittance insertionRemittance `json:"insertionRemittance"`
}

type internalizeActionRequest struct {
	Tx          domain.ByteArray    `json:"tx"`
	Outputs     []internalizeOutput `json:"outputs"`
	Description string              `json:"description"`
	Labels      []string            `json:"labels,omitempty"`
}

type relinquishOutputRequest struct {
	Basket string `json:"basket"`
	Output string `json:"output"`
}

type getPublicKeyRequest struct {
	IdentityKey  bool               `json:"identityKey,omitempty"`
	ProtocolID   *domain.ProtocolID `json:"protocolID,omitempty"`
	KeyID        string             `json:"keyID,omitempty"`
	Counterparty string             `json:"counterparty,omitempty"`
	ForSelf      bool               `json:"forSelf,omitempty"`
}

type createSignatureRequest struct {
	ProtocolID         domain.ProtocolID `json:"protocolID"`
	KeyID              string            `json:"keyID"`
	Counterparty       string            `json:"counterparty"`
	HashToDirectlySign domain.ByteArray  `json:"hashToDirectlySign"`
}

type wallet struct {
	baseUrl    string
	origin     string
	httpClient *http.Client
}

func NewWallet(baseUrl, origin string, timeout time.Duration) (ports.WalletService, error) {
	if _, err := url.ParseRequestURI(baseUrl); err != nil {
		return nil, fmt.Errorf("invalid wallet url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &wallet{
		baseUrl:    strings.TrimRight(baseUrl, "/"),
		origin:     origin,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (w *wallet) ListOutputs(ctx context.Context, basket string) (*ports.ListOutputsResult, error) {
	var res listOutputsResponse
	if err := w.call(ctx, "listOutputs", listOutputsRequest{
		Basket:                    basket,
		Include:                   entireTxs,
		IncludeCustomInstructions: true,
		Limit:                     listOutputsLimit,
	}, &res); err != nil {
		return nil, err
	}

	outputs := make([]domain.TokenOutput, 0, len(res.Outputs))
	for _, out := range res.Outputs {
		var outpoint domain.Outpoint
		if err := outpoint.FromString(out.Outpoint); err != nil {
			return nil, perrors.PARSE_ERROR.Wrap(err)
		}
		instructions, err := domain.ParseOwnerInstructions(out.CustomInstructions)
		if err != nil {
			log.WithError(err).WithField("outpoint", out.Outpoint).
				Warn("skipping output without owner instructions")
			continue
		}
		outputs = append(outputs, domain.TokenOutput{
			Outpoint:          outpoint,
			OwnerInstructions: instructions,
			ProofBundle:       res.BEEF,
		})
	}
	return &ports.ListOutputsResult{Outputs: outputs, BEEF: res.BEEF}, nil
}

func (w *wallet) InternalizeAction(
	ctx context.Context, args ports.InternalizeActionArgs,
) (bool, error) {
	outputs := make([]internalizeOutput, 0, len(args.Outputs))
	for _, out := range args.Outputs {
		outputs = append(outputs, internalizeOutput{
			OutputIndex: out.OutputIndex,
			Protocol:    basketInsertion,
			InsertionRemittance: insertionRemittance{
				Basket:             out.Basket,
				CustomInstructions: out.Instructions.String(),
				Tags:               out.Tags,
			},
		})
	}

	var res struct {
		Accepted bool `json:"accepted"`
	}
	if err := w.call(ctx, "internalizeAction", internalizeActionRequest{
		Tx:          args.Tx,
		Outputs:     outputs,
		Description: args.Description,
		Labels:      args.Labels,
	}, &res); err != nil {
		return false, err
	}
	return res.Accepted, nil
}

func (w *wallet) RelinquishOutput(
	ctx context.Context, basket string, outpoint domain.Outpoint,
) (bool, error) {
	var res struct {
		Relinquished bool `json:"relinquished"`
	}
	if err := w.call(ctx, "relinquishOutput", relinquishOutputRequest{
		Basket: basket,
		Output: outpoint.String(),
	}, &res); err != nil {
		return false, err
	}
	return res.Relinquished, nil
}

func (w *wallet) GetPublicKey(
	ctx context.Context, args domain.OwnerInstructions, forSelf bool,
) (string, error) {
	protocolID := args.ProtocolID
	return w.getPublicKey(ctx, getPublicKeyRequest{
		ProtocolID:   &protocolID,
		KeyID:        args.KeyID,
		Counterparty: args.Counterparty,
		ForSelf:      forSelf,
	})
}

func (w *wallet) GetIdentityKey(ctx context.Context) (string, error) {
	return w.getPublicKey(ctx, getPublicKeyRequest{IdentityKey: true})
}

func (w *wallet) CreateSignature(
	ctx context.Context, args domain.OwnerInstructions, digest []byte,
) ([]byte, error) {
	var res struct {
		Signature domain.ByteArray `json:"signature"`
	}
	if err := w.call(ctx, "createSignature", createSignatureRequest{
		ProtocolID:         args.ProtocolID,
		KeyID:              args.KeyID,
		Counterparty:       args.Counterparty,
		HashToDirectlySign: digest,
	}, &res); err != nil {
		return nil, err
	}
	if len(res.Signature) == 0 {
		return nil, perrors.SIGNING_ERROR.New("wallet returned an empty signature")
	}
	return res.Signature, nil
}

func (w *wallet) Close() {}

func (w *wallet) getPublicKey(ctx context.Context, req getPublicKeyRequest) (string, error) {
	var res struct {
		PublicKey string `json:"publicKey"`
	}
	if err := w.call(ctx, "getPublicKey", req, &res); err != nil {
		return "", err
	}
	if res.PublicKey == "" {
		return "", perrors.PARSE_ERROR.New("wallet returned an empty public key")
	}
	return res.PublicKey, nil
}

func (w *wallet) call(ctx context.Context, method string, args, result any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return perrors.INTERNAL_ERROR.Wrap(err)
	}
	endpoint := fmt.Sprintf("%s/%s", w.baseUrl, method)
	networkErr := func(statusCode int, err error) error {
		return perrors.NETWORK_ERROR.Wrap(err).WithMetadata(perrors.NetworkMetadata{
			Endpoint:   endpoint,
			StatusCode: statusCode,
		})
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return perrors.INTERNAL_ERROR.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.origin != "" {
		req.Header.Set("Origin", w.origin)
		req.Header.Set("Originator", w.origin)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return networkErr(0, fmt.Errorf("failed to reach wallet: %w", err))
	}
	// nolint
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkErr(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var walletErr struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(body, &walletErr) == nil && walletErr.Message != "" {
			return networkErr(resp.StatusCode, fmt.Errorf(
				"wallet %s failed: %s (%s)", method, walletErr.Message, walletErr.Code,
			))
		}
		return networkErr(resp.StatusCode, fmt.Errorf(
			"wallet %s failed with status %d", method, resp.StatusCode,
		))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return perrors.PARSE_ERROR.New("invalid %s response: %s", method, err)
	}
	return nil
}
