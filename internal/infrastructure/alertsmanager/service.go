package alertsmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirdeggen/p2m/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	serviceName = "p2m"

	unitsPerToken = 100_000

	maxRetries = 5
)

type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
}

type service struct {
	baseUrl     string
	explorerUrl string
	httpClient  *http.Client
	baseDelay   time.Duration
}

func NewService(alertManagerURL, explorerURL string) ports.Alerts {
	return &service{
		baseUrl:     alertManagerURL,
		explorerUrl: strings.TrimSuffix(explorerURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseDelay: 100 * time.Millisecond,
	}
}

func (s *service) Publish(ctx context.Context, topic ports.Topic, message any) error {
	labels := map[string]string{
		"alertname": string(topic),
		"service":   serviceName,
		"severity":  severityOf(topic),
	}

	desc := ""
	annotations := map[string]string{}
	switch topic {
	case ports.PaymentSent, ports.PaymentReceived, ports.PaymentStuck:
		m, ok := message.(ports.PaymentAlert)
		if !ok {
			return fmt.Errorf("invalid message type: %T", message)
		}
		annotations["firing_title"] = titleOf(topic)
		desc = formatPaymentAlert(s.explorerUrl, m)
		if m.PaymentId != "" {
			labels["payment_id"] = m.PaymentId
		}
		if m.MessageId != "" {
			labels["message_id"] = m.MessageId
		}
		if m.Txid != "" {
			labels["txid"] = m.Txid
		}
	default:
		annotations["firing_title"] = fmt.Sprintf("🔔 %s", topic)
		desc = formatGenericAlert(map[string]any{"event": message})
	}

	annotations["description"] = desc
	alert := Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    time.Now(),
	}

	if err := s.sendAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to send alert to AlertManager: %w", err)
	}

	log.WithField("topic", topic).Debug("published alert")
	return nil
}

func (s *service) sendAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal([]Alert{alert})
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	for attempt := range maxRetries {
		req, err := http.NewRequestWithContext(ctx, "POST", s.baseUrl, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries-1 {
				if err := s.wait(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to send alert after %d attempts: %w", maxRetries, err)
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		// Only server errors are retried.
		if resp.StatusCode >= 500 && attempt < maxRetries-1 {
			if err := s.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		return fmt.Errorf(
			"failed to send alert to AlertManager with status %d after %d attempts",
			resp.StatusCode, attempt+1,
		)
	}

	return fmt.Errorf("failed to send alert after %d attempts", maxRetries)
}

// wait sleeps for an exponential delay: 100ms, 200ms, 400ms, 800ms.
func (s *service) wait(ctx context.Context, attempt int) error {
	delay := s.baseDelay * time.Duration(1<<uint(attempt))
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func severityOf(topic ports.Topic) string {
	if topic == ports.PaymentStuck {
		return "warning"
	}
	return "info"
}

func titleOf(topic ports.Topic) string {
	switch topic {
	case ports.PaymentSent:
		return "📤 Payment Sent"
	case ports.PaymentReceived:
		return "📥 Payment Received"
	default:
		return "⚠️ Payment Stuck"
	}
}

func formatPaymentAlert(explorerUrl string, data ports.PaymentAlert) string {
	lines := make([]string, 0)
	if data.Txid != "" && explorerUrl != "" {
		lines = append(lines, fmt.Sprintf("%s/tx/%s", explorerUrl, data.Txid))
	}
	if data.PaymentId != "" {
		lines = append(lines, fmt.Sprintf("\n*Payment:* `%s`", data.PaymentId))
	}
	if data.MessageId != "" {
		lines = append(lines, fmt.Sprintf("\n*Message:* `%s`", data.MessageId))
	}

	lines = append(lines, "\n*Details:*")
	lines = append(lines, fmt.Sprintf("• Counterpart: %s", data.Counterpart))
	lines = append(lines, fmt.Sprintf("• Amount: %s", formatTokens(data.Units)))
	if data.Fee > 0 {
		lines = append(lines, fmt.Sprintf("• Fee: %s", formatTokens(data.Fee)))
	}
	lines = append(lines, fmt.Sprintf("• Status: %s", data.Status))
	if data.Reason != "" {
		lines = append(lines, fmt.Sprintf("• Reason: %s", data.Reason))
	}
	return strings.Join(lines, "\n")
}

func formatGenericAlert(data map[string]any) string {
	lines := make([]string, 0)
	for key, value := range data {
		lines = append(lines, fmt.Sprintf("• %s: %v", key, value))
	}
	return strings.Join(lines, "\n")
}

func formatTokens(units uint64) string {
	whole := units / unitsPerToken
	frac := units % unitsPerToken

	if frac == 0 {
		return fmt.Sprintf("%d MNEE", whole)
	}

	f := strings.TrimRight(fmt.Sprintf("%05d", frac), "0")
	return fmt.Sprintf("%d.%s MNEE", whole, f)
}
