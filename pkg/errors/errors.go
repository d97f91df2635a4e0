package errors

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code      uint16
	Name      string
	Retryable bool
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

// Is reports whether err, or any error in its chain, carries this code.
func (c Code[MT]) Is(err error) bool {
	var typed Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code() == c.Code
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	Retryable() bool
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
	TypedMetadata() MT
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) TypedMetadata() MT {
	return e.metadata
}

func (e *ErrorImpl[MT]) Retryable() bool {
	return e.code.Retryable
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

// Is matches any other typed error with the same code, so that errors.Is works
// against the package-level sentinels built with Code.New.
func (e *ErrorImpl[MT]) Is(target error) bool {
	var typed Error
	if !errors.As(target, &typed) {
		return false
	}
	return typed.Code() == e.code.Code
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

// IsRetryable returns whether the outermost typed error in the chain is
// classified as transient. Untyped errors are not retryable.
func IsRetryable(err error) bool {
	var typed Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Retryable()
}

// CodeOf returns the code of the outermost typed error in the chain, if any.
func CodeOf(err error) (uint16, bool) {
	var typed Error
	if !errors.As(err, &typed) {
		return 0, false
	}
	return typed.Code(), true
}

type ParseMetadata struct {
	Script string `json:"script,omitempty"`
	Field  string `json:"field,omitempty"`
}

type InsufficientFundsMetadata struct {
	Available uint64 `json:"available"`
	Required  uint64 `json:"required"`
	Fee       uint64 `json:"fee"`
}

type SourceResolutionMetadata struct {
	Outpoint string `json:"outpoint"`
	Txid     string `json:"txid"`
}

type NetworkMetadata struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code,omitempty"`
}

type BroadcastRejectedMetadata struct {
	Txid string `json:"txid"`
}

type SigningMetadata struct {
	Txid       string `json:"txid,omitempty"`
	InputIndex int    `json:"input_index"`
}

type PaymentMetadata struct {
	MessageId string `json:"message_id,omitempty"`
	PaymentId string `json:"payment_id,omitempty"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", false}
var PARSE_ERROR = Code[ParseMetadata]{1, "PARSE_ERROR", false}

var INSUFFICIENT_FUNDS = Code[InsufficientFundsMetadata]{
	2,
	"INSUFFICIENT_FUNDS",
	false,
}

// SOURCE_RESOLUTION is permanent for the current attempt only: a new attempt
// with a refreshed proof bundle may succeed.
var SOURCE_RESOLUTION = Code[SourceResolutionMetadata]{
	3,
	"SOURCE_RESOLUTION",
	false,
}
var NETWORK_ERROR = Code[NetworkMetadata]{4, "NETWORK_ERROR", true}

var BROADCAST_REJECTED = Code[BroadcastRejectedMetadata]{
	5,
	"BROADCAST_REJECTED",
	false,
}
var NOT_IMPLEMENTED = Code[any]{6, "NOT_IMPLEMENTED", false}
var SIGNING_ERROR = Code[SigningMetadata]{7, "SIGNING_ERROR", false}
var INVALID_ARGUMENT = Code[any]{8, "INVALID_ARGUMENT", false}
var INVALID_PAYMENT = Code[PaymentMetadata]{9, "INVALID_PAYMENT", false}
var PAYMENT_IN_PROGRESS = Code[PaymentMetadata]{10, "PAYMENT_IN_PROGRESS", true}
