package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridEmailProvider delivers through the SendGrid v3 mail API
type SendGridEmailProvider struct {
	client *sendgrid.Client
}

// NewSendGridEmailProvider creates a new SendGrid provider
func NewSendGridEmailProvider(cfg config.SendGridConfig) *SendGridEmailProvider {
	return &SendGridEmailProvider{client: sendgrid.NewSendClient(cfg.APIKey)}
}

func (p *SendGridEmailProvider) Name() string { return "api" }

// Send submits one message. 4xx responses other than 429 are permanent rejections.
func (p *SendGridEmailProvider) Send(ctx context.Context, account *models.SenderAccount, msg EmailMessage) (*SendResult, error) {
	fromName := msg.FromName
	if fromName == "" && account.DisplayName != nil {
		fromName = *account.DisplayName
	}
	from := mail.NewEmail(fromName, msg.FromEmail)
	to := mail.NewEmail("", msg.To)

	message := mail.NewSingleEmail(from, msg.Subject, to, msg.TextBody, msg.HTMLBody)
	for _, k := range sortedHeaders(msg.Headers) {
		message.SetHeader(k, msg.Headers[k])
	}

	resp, err := p.client.SendWithContext(ctx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &DeliveryError{Code: "transport", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &DeliveryError{
			Code:      strconv.Itoa(resp.StatusCode),
			Permanent: resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
			Err:       fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body),
		}
	}

	result := &SendResult{}
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		result.ProviderMessageID = ids[0]
	}
	return result, nil
}
