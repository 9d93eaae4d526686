package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedPayload is returned when the body is not a notification envelope.
var ErrMalformedPayload = errors.New("malformed notification payload")

// Kind tags the notification variants the normalizer distinguishes.
type Kind int

const (
	KindOther Kind = iota
	KindTestPing
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindTestPing:
		return "test"
	case KindTransaction:
		return "transaction"
	default:
		return "other"
	}
}

const (
	typeTestPing       = "webhooks.test"
	typeTransactionPre = "transactions."
	typeInbound        = "transactions.inbound"

	TransactionTypeInbound = "INBOUND"
	StateComplete          = "COMPLETE"
)

// envelope is the wire shape shared by every vendor notification.
type envelope struct {
	SubscriptionID   string          `json:"subscriptionId"`
	NotificationID   string          `json:"notificationId"`
	NotificationType string          `json:"notificationType"`
	Notification     json.RawMessage `json:"notification"`
	Timestamp        string          `json:"timestamp"`
	Version          int             `json:"version"`
}

// Transaction is the body of a transactions.* notification. Every field is
// optional on the wire.
type Transaction struct {
	ID                 string   `json:"id"`
	Blockchain         string   `json:"blockchain"`
	TokenID            string   `json:"tokenId"`
	WalletID           string   `json:"walletId"`
	SourceAddress      string   `json:"sourceAddress"`
	DestinationAddress string   `json:"destinationAddress"`
	TransactionType    string   `json:"transactionType"`
	State              string   `json:"state"`
	Amounts            []string `json:"amounts"`
	TxHash             string   `json:"txHash"`
	CreateDate         string   `json:"createDate"`
	UpdateDate         string   `json:"updateDate"`
}

// Notification is the parsed, tagged form of a vendor notification. Only
// the field matching Kind is populated.
type Notification struct {
	Kind           Kind
	Type           string
	NotificationID string
	Timestamp      time.Time
	Transaction    *Transaction
}

// ParseNotification decodes the raw body. It never re-encodes the input, so
// the caller can keep verifying the original bytes.
func ParseNotification(raw []byte) (*Notification, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.NotificationType == "" {
		return nil, fmt.Errorf("%w: missing notificationType", ErrMalformedPayload)
	}

	n := &Notification{
		Type:           env.NotificationType,
		NotificationID: env.NotificationID,
		Timestamp:      parseTime(env.Timestamp),
	}

	switch {
	case env.NotificationType == typeTestPing:
		n.Kind = KindTestPing
	case strings.HasPrefix(env.NotificationType, typeTransactionPre):
		if len(env.Notification) == 0 || string(env.Notification) == "null" {
			return nil, fmt.Errorf("%w: transaction notification without body", ErrMalformedPayload)
		}
		var tx Transaction
		if err := json.Unmarshal(env.Notification, &tx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		n.Kind = KindTransaction
		n.Transaction = &tx
	default:
		n.Kind = KindOther
	}
	return n, nil
}

// IsInbound reports whether the notification belongs to the deposit family.
func (n *Notification) IsInbound() bool {
	if n.Kind != KindTransaction || n.Transaction == nil {
		return false
	}
	if n.Type == typeInbound {
		return true
	}
	return strings.EqualFold(n.Transaction.TransactionType, TransactionTypeInbound)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
