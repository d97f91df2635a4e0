package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirdeggen/p2m/internal/core/application"
	"github.com/sirdeggen/p2m/internal/core/domain"
)

const unitsPerToken = 100_000

type sendResult struct {
	PaymentId string `json:"paymentId"`
	Txid      string `json:"txid"`
	KeyId     string `json:"keyId"`
	MessageId string `json:"messageId"`
	Fee       uint64 `json:"fee"`
	Change    uint64 `json:"change"`
}

func newSendResult(res *application.SendResult) sendResult {
	return sendResult{
		PaymentId: res.PaymentID,
		Txid:      res.Txid,
		KeyId:     res.KeyID,
		MessageId: res.MessageID,
		Fee:       res.Fee,
		Change:    res.Change,
	}
}

type pendingPayment struct {
	MessageId  string `json:"messageId"`
	Sender     string `json:"sender,omitempty"`
	Originator string `json:"originator"`
	KeyId      string `json:"keyId"`
	Units      uint64 `json:"units"`
	Amount     string `json:"amount"`
	// Transaction is the hex encoded atomic BEEF.
	Transaction string `json:"transaction,omitempty"`
}

func newPendingPayment(p domain.IncomingPayment, withTx bool) pendingPayment {
	pending := pendingPayment{
		MessageId:  p.MessageId,
		Sender:     p.Sender,
		Originator: p.Token.Originator,
		KeyId:      p.Token.KeyID,
		Units:      p.Token.Units,
		Amount:     formatUnits(p.Token.Units),
	}
	if withTx {
		pending.Transaction = hex.EncodeToString(p.Token.Transaction)
	}
	return pending
}

type balance struct {
	Units  uint64 `json:"units"`
	Amount string `json:"amount"`
}

type deposit struct {
	Outpoint string `json:"outpoint"`
	Units    uint64 `json:"units"`
	Amount   string `json:"amount"`
}

func formatUnits(units uint64) string {
	value := strconv.FormatFloat(float64(units)/unitsPerToken, 'f', -1, 64)
	return fmt.Sprintf("%s MNEE", value)
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
