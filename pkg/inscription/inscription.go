// Package inscription reads and writes the token metadata envelope embedded in
// a token-bearing locking script:
//
//	OP_FALSE OP_IF "ord" OP_1 <content-type> OP_0 <json payload> OP_ENDIF
//
// The payload is a JSON object {p, op, id, amt} where amt is a decimal string.
package inscription

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
)

const (
	ContentType = "application/bsv-20"
	Protocol    = "bsv-20"

	OpTransfer   = "transfer"
	OpDeployMint = "deploy+mint"
)

const p2pkhLen = 25

var marker = []byte("ord")

// Inscription is the typed token metadata carried by an output.
type Inscription struct {
	Protocol  string
	Operation string
	TokenId   string
	Amount    uint64
}

// Envelope is the raw content of the metadata envelope.
type Envelope struct {
	ContentType string
	// Hash is the base64 encoded sha256 of Content.
	Hash    string
	Size    int
	Content []byte
}

type chunk struct {
	op   byte
	data []byte
}

type payload struct {
	P   string          `json:"p,omitempty"`
	Op  string          `json:"op"`
	Id  string          `json:"id"`
	Amt json.RawMessage `json:"amt,omitempty"`
}

// DecodeEnvelope extracts the envelope from the given locking script. It returns
// false if the script has no envelope marker, if a field or value opcode is out
// of range, or if the envelope is not terminated.
func DecodeEnvelope(script []byte) (*Envelope, bool) {
	chunks, err := tokenize(script)
	if err != nil {
		return nil, false
	}

	from := -1
	for i := 2; i < len(chunks); i++ {
		if chunks[i].op == 3 && bytes.Equal(chunks[i].data, marker) &&
			chunks[i-1].op == txscript.OP_IF && chunks[i-2].op == txscript.OP_FALSE {
			from = i + 1
		}
	}
	if from < 0 {
		return nil, false
	}

	env := &Envelope{}
	terminated := false
	for i := from; i < len(chunks); i += 2 {
		field := chunks[i]
		if field.op == txscript.OP_ENDIF {
			terminated = true
			break
		}
		if field.op > txscript.OP_16 {
			return nil, false
		}
		if i+1 >= len(chunks) {
			return nil, false
		}
		value := chunks[i+1]
		if value.op > txscript.OP_PUSHDATA4 {
			return nil, false
		}
		// Fields given as data pushes are not part of the token envelope.
		if len(field.data) > 0 {
			continue
		}

		fieldNo := 0
		if field.op > txscript.OP_PUSHDATA4 && field.op <= txscript.OP_16 {
			fieldNo = int(field.op) - 80
		}
		switch fieldNo {
		case 0:
			env.Size = len(value.data)
			if len(value.data) == 0 {
				break
			}
			sum := sha256.Sum256(value.data)
			env.Hash = base64.StdEncoding.EncodeToString(sum[:])
			env.Content = value.data
		case 1:
			env.ContentType = string(value.data)
		}
	}
	if !terminated {
		return nil, false
	}
	return env, true
}

// Decode returns the inscription embedded in the given locking script, or nil
// if there is none. A malformed payload is reported as a PARSE_ERROR.
func Decode(script []byte) (*Inscription, error) {
	env, ok := DecodeEnvelope(script)
	if !ok {
		return nil, nil
	}

	var p payload
	if err := json.Unmarshal(env.Content, &p); err != nil {
		return nil, perrors.PARSE_ERROR.Wrap(
			fmt.Errorf("invalid inscription payload: %w", err),
		).WithMetadata(perrors.ParseMetadata{Field: "content"})
	}

	amount, err := parseAmount(p.Amt)
	if err != nil {
		return nil, perrors.PARSE_ERROR.Wrap(err).
			WithMetadata(perrors.ParseMetadata{Field: "amt"})
	}

	return &Inscription{
		Protocol:  p.P,
		Operation: p.Op,
		TokenId:   p.Id,
		Amount:    amount,
	}, nil
}

// Encode returns the envelope script for the given inscription.
func Encode(insc Inscription) ([]byte, error) {
	content, err := json.Marshal(payload{
		P:   insc.Protocol,
		Op:  insc.Operation,
		Id:  insc.TokenId,
		Amt: json.RawMessage(strconv.Quote(strconv.FormatUint(insc.Amount, 10))),
	})
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_IF).
		AddData(marker).
		AddOp(txscript.OP_1).
		AddData([]byte(ContentType)).
		AddOp(txscript.OP_0).
		AddData(content).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// TransferScript returns the token lock for a transfer of amount units of
// tokenId to the given P2PKH address.
func TransferScript(address, tokenId string, amount uint64) ([]byte, error) {
	envelope, err := Encode(Inscription{
		Protocol:  Protocol,
		Operation: OpTransfer,
		TokenId:   tokenId,
		Amount:    amount,
	})
	if err != nil {
		return nil, err
	}

	lock, err := P2PKHScript(address)
	if err != nil {
		return nil, err
	}

	return append(envelope, lock...), nil
}

// P2PKHScript returns the pay-to-pubkey-hash script for a base58 address.
func P2PKHScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	if _, ok := addr.(*btcutil.AddressPubKeyHash); !ok {
		return nil, fmt.Errorf("address %s is not p2pkh", address)
	}
	return txscript.PayToAddrScript(addr)
}

// AddressFromPubKey returns the P2PKH address of a hex compressed public key.
func AddressFromPubKey(pubkeyHex string) (string, error) {
	buf, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid public key %s: %w", pubkeyHex, err)
	}
	pubkey, err := btcec.ParsePubKey(buf)
	if err != nil {
		return "", fmt.Errorf("invalid public key %s: %w", pubkeyHex, err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubkey.SerializeCompressed()), &chaincfg.MainNetParams,
	)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// OwnerAddress returns the P2PKH address a token lock pays to, looking at
// the script suffix following the envelope.
func OwnerAddress(script []byte) (string, bool) {
	if len(script) < p2pkhLen {
		return "", false
	}
	lock := script[len(script)-p2pkhLen:]
	if txscript.GetScriptClass(lock) != txscript.PubKeyHashTy {
		return "", false
	}
	addr, err := btcutil.NewAddressPubKeyHash(lock[3:23], &chaincfg.MainNetParams)
	if err != nil {
		return "", false
	}
	return addr.EncodeAddress(), true
}

func parseAmount(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	str := string(raw)
	if strings.HasPrefix(str, `"`) {
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, fmt.Errorf("invalid amount %s: %w", raw, err)
		}
	}
	amount, err := strconv.ParseUint(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %s", raw)
	}
	return amount, nil
}

func tokenize(script []byte) ([]chunk, error) {
	chunks := make([]chunk, 0)
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		chunks = append(chunks, chunk{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}
