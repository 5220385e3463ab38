package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
)

// SMTPEmailProvider delivers through each account's own SMTP relay
type SMTPEmailProvider struct {
	cfg         config.SMTPConfig
	credentials CredentialResolver
}

// NewSMTPEmailProvider creates a new SMTP provider
func NewSMTPEmailProvider(cfg config.SMTPConfig, credentials CredentialResolver) *SMTPEmailProvider {
	if credentials == nil {
		credentials = EnvCredentials
	}
	return &SMTPEmailProvider{cfg: cfg, credentials: credentials}
}

func (p *SMTPEmailProvider) Name() string { return "smtp" }

// Send opens one session per message. Reply codes 5xx are permanent rejections.
func (p *SMTPEmailProvider) Send(ctx context.Context, account *models.SenderAccount, msg EmailMessage) (*SendResult, error) {
	host := p.cfg.DefaultHost
	if account.SMTPHost != nil && *account.SMTPHost != "" {
		host = *account.SMTPHost
	}
	port := p.cfg.DefaultPort
	if account.SMTPPort != nil && *account.SMTPPort > 0 {
		port = *account.SMTPPort
	}
	if host == "" {
		return nil, &DeliveryError{Code: "config", Permanent: false, Err: errors.New("no smtp host configured")}
	}

	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &DeliveryError{Code: "connect", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, classifySMTP(err)
	}
	defer client.Close()

	if p.cfg.UseSTARTTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: p.cfg.InsecureSkipVerify}
			if err := client.StartTLS(tlsCfg); err != nil {
				return nil, classifySMTP(err)
			}
		}
	}

	if account.Username != nil && account.CredentialRef != nil {
		secret, ok := p.credentials(*account.CredentialRef)
		if !ok {
			return nil, &DeliveryError{Code: "credentials", Err: fmt.Errorf("credential %s is not set", *account.CredentialRef)}
		}
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", *account.Username, secret, host)); err != nil {
				return nil, classifySMTP(err)
			}
		}
	}

	if err := client.Mail(msg.FromEmail); err != nil {
		return nil, classifySMTP(err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return nil, classifySMTP(err)
	}
	w, err := client.Data()
	if err != nil {
		return nil, classifySMTP(err)
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), utils.EmailDomain(msg.FromEmail))
	if _, err := w.Write(buildMIME(msg, messageID)); err != nil {
		return nil, classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return nil, classifySMTP(err)
	}
	_ = client.Quit()

	return &SendResult{ProviderMessageID: messageID}, nil
}

func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &DeliveryError{Code: strconv.Itoa(tpErr.Code), Permanent: tpErr.Code >= 500, Err: err}
	}
	return &DeliveryError{Code: "smtp", Err: err}
}

func buildMIME(msg EmailMessage, messageID string) []byte {
	var b bytes.Buffer
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	for _, k := range sortedHeaders(msg.Headers) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, msg.Headers[k])
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.HTMLBody != "" {
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.HTMLBody)
	} else {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(msg.TextBody)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
