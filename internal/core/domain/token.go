package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	CounterpartySelf   = "self"
	CounterpartyAnyone = "anyone"
)

// PaymentProtocol is the derivation protocol shared by sender and recipient.
var PaymentProtocol = ProtocolID{SecurityLevel: 2, Protocol: "Pay MNEE"}

type Outpoint struct {
	Txid string
	VOut uint32
}

// FromString parses the txid.vout form used by wallets.
func (k *Outpoint) FromString(s string) error {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid outpoint string: %s", s)
	}
	if len(parts[0]) != 64 {
		return fmt.Errorf("invalid outpoint txid: %s", parts[0])
	}
	k.Txid = parts[0]
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid vout string: %s", parts[1])
	}
	k.VOut = uint32(vout)
	return nil
}

func (k Outpoint) String() string {
	return fmt.Sprintf("%s.%d", k.Txid, k.VOut)
}

// ProtocolID is the (security level, protocol name) pair of a key derivation.
// It is encoded as a JSON tuple, e.g. [2,"Pay MNEE"].
type ProtocolID struct {
	SecurityLevel int
	Protocol      string
}

func (p ProtocolID) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.SecurityLevel, p.Protocol})
}

func (p *ProtocolID) UnmarshalJSON(buf []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(buf, &tuple); err != nil {
		return fmt.Errorf("invalid protocol id: %w", err)
	}
	if len(tuple) != 2 {
		return fmt.Errorf("invalid protocol id: expected 2 items, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &p.SecurityLevel); err != nil {
		return fmt.Errorf("invalid protocol security level: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &p.Protocol); err != nil {
		return fmt.Errorf("invalid protocol name: %w", err)
	}
	return nil
}

// OwnerInstructions tell the wallet how to derive the key unlocking an output.
type OwnerInstructions struct {
	ProtocolID   ProtocolID `json:"protocolID"`
	KeyID        string     `json:"keyID"`
	Counterparty string     `json:"counterparty"`
}

func (o OwnerInstructions) String() string {
	// nolint
	b, _ := json.Marshal(o)
	return string(b)
}

func ParseOwnerInstructions(s string) (OwnerInstructions, error) {
	var o OwnerInstructions
	if strings.TrimSpace(s) == "" {
		return o, fmt.Errorf("missing owner instructions")
	}
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return o, fmt.Errorf("invalid owner instructions: %w", err)
	}
	return o, nil
}

// TokenOutput is a spendable token-bearing output of the local ledger.
type TokenOutput struct {
	Outpoint
	OwnerInstructions OwnerInstructions
	// ProofBundle is a BEEF holding at least the transaction that created
	// the output.
	ProofBundle []byte
}

// ByteArray is encoded as a JSON array of byte values, the wallet and peer
// wire format for binary fields. Decoding also accepts a base64 string.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteArray) UnmarshalJSON(buf []byte) error {
	trimmed := strings.TrimSpace(string(buf))
	if trimmed == "null" {
		*b = nil
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var str string
		if err := json.Unmarshal(buf, &str); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return fmt.Errorf("invalid base64 byte array: %w", err)
		}
		*b = decoded
		return nil
	}

	var values []int
	if err := json.Unmarshal(buf, &values); err != nil {
		return fmt.Errorf("invalid byte array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 0xff {
			return fmt.Errorf("invalid byte value %d at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// PaymentToken is the claim a sender delivers to a beneficiary. Transaction
// is an atomic BEEF of the transfer.
type PaymentToken struct {
	KeyID       string    `json:"keyID"`
	Originator  string    `json:"originator"`
	Beneficiary string    `json:"beneficiary"`
	Transaction ByteArray `json:"transaction"`
	Units       uint64    `json:"units"`
}

func (t PaymentToken) Validate() error {
	if t.KeyID == "" {
		return fmt.Errorf("missing key id")
	}
	if t.Originator == "" {
		return fmt.Errorf("missing originator")
	}
	if len(t.Transaction) == 0 {
		return fmt.Errorf("missing transaction")
	}
	if t.Units == 0 {
		return fmt.Errorf("missing units")
	}
	return nil
}

type IncomingPayment struct {
	MessageId string       `json:"messageId"`
	Sender    string       `json:"sender,omitempty"`
	Token     PaymentToken `json:"token"`
}
