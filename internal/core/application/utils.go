package application

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/core/domain"
	"github.com/sirdeggen/p2m/internal/core/ports"
	"github.com/sirdeggen/p2m/pkg/errors"
	"github.com/tidwall/gjson"
)

const keyIDLayout = "2006-01-02T15:04"

// newKeyID buckets derivations per minute, so that every payment made in the
// same minute to the same beneficiary reuses the same key.
func newKeyID(now time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(now.UTC().Format(keyIDLayout)))
}

// toError keeps the outermost typed error of the chain, or classifies err as
// an internal error.
func toError(err error) errors.Error {
	if err == nil {
		return nil
	}
	var typed errors.Error
	if stderrors.As(err, &typed) {
		return typed
	}
	return errors.INTERNAL_ERROR.Wrap(err)
}

func validateIdentityKey(key string) error {
	buf, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("invalid identity key %s: %w", key, err)
	}
	if len(buf) != btcec.PubKeyBytesLenCompressed {
		return fmt.Errorf("identity key %s is not a compressed public key", key)
	}
	if _, err := btcec.ParsePubKey(buf); err != nil {
		return fmt.Errorf("invalid identity key %s: %w", key, err)
	}
	return nil
}

// decodeMessage reads a payment token out of a relay message. The body is
// either the token object or a JSON string holding it.
func decodeMessage(msg ports.PeerMessage) (domain.IncomingPayment, error) {
	payload := []byte(msg.Body)
	if !gjson.ValidBytes(payload) {
		return domain.IncomingPayment{}, fmt.Errorf("message %s: body is not valid json", msg.MessageId)
	}
	if body := gjson.ParseBytes(payload); body.Type == gjson.String {
		payload = []byte(body.Str)
	}

	var token domain.PaymentToken
	if err := json.Unmarshal(payload, &token); err != nil {
		return domain.IncomingPayment{}, fmt.Errorf("message %s: %w", msg.MessageId, err)
	}
	if err := token.Validate(); err != nil {
		return domain.IncomingPayment{}, fmt.Errorf("message %s: %w", msg.MessageId, err)
	}

	return domain.IncomingPayment{
		MessageId: msg.MessageId,
		Sender:    msg.Sender,
		Token:     token,
	}, nil
}

func outpointsOf(outputs []domain.TokenOutput) []domain.Outpoint {
	outpoints := make([]domain.Outpoint, 0, len(outputs))
	for _, output := range outputs {
		outpoints = append(outpoints, output.Outpoint)
	}
	return outpoints
}

func txBytes(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(hexTx string) (*wire.MsgTx, error) {
	buf, err := hex.DecodeString(hexTx)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(bytes.NewReader(buf)); err != nil {
		return nil, err
	}
	return tx, nil
}

func paymentClaimKey(paymentId string) string {
	return "payment:" + paymentId
}

func acceptClaimKey(messageId string) string {
	return "accept:" + messageId
}
