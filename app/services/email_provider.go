// Package services provides external service integrations: email delivery providers,
// the cross-instance campaign lock and the progress relay
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
)

// EmailMessage is one fully personalized message ready for delivery
type EmailMessage struct {
	FromEmail string
	FromName  string
	To        string
	Subject   string
	HTMLBody  string
	TextBody  string
	Headers   map[string]string
}

// SendResult carries what the provider returned for an accepted message
type SendResult struct {
	ProviderMessageID string
}

// EmailProvider delivers one message through one sender account
type EmailProvider interface {
	Name() string
	Send(ctx context.Context, account *models.SenderAccount, msg EmailMessage) (*SendResult, error)
}

// DeliveryError is a rejected delivery. Permanent rejections feed bounce detection.
type DeliveryError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure %s: %v", kind, e.Code, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// AsDeliveryError extracts the code and permanence of a delivery failure.
// Errors that are not a DeliveryError are transient with an empty code.
func AsDeliveryError(err error) (code string, permanent bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code, de.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", false
	}
	return "", false
}

// CredentialResolver maps an account's credential reference to the secret it names
type CredentialResolver func(ref string) (string, bool)

// EnvCredentials resolves credential references as environment variable names
func EnvCredentials(ref string) (string, bool) {
	return os.LookupEnv(ref)
}

// Providers selects the provider of a campaign or message
type Providers struct {
	API  EmailProvider
	SMTP EmailProvider
}

// For returns the provider registered for a provider name, API by default
func (p Providers) For(provider models.CampaignProvider) EmailProvider {
	if provider == models.CampaignProviderSMTP && p.SMTP != nil {
		return p.SMTP
	}
	return p.API
}

// MockEmailProvider records messages instead of delivering them
type MockEmailProvider struct {
	mu     sync.Mutex
	name   string
	sent   []MockEmail
	fail   map[string]*DeliveryError
	delay  time.Duration
	onSend func(MockEmail)
}

// MockEmail is one recorded delivery
type MockEmail struct {
	AccountID uint
	Message   EmailMessage
	SentAt    time.Time
}

// NewMockEmailProvider creates a new mock provider
func NewMockEmailProvider(name string) *MockEmailProvider {
	return &MockEmailProvider{name: name, fail: make(map[string]*DeliveryError)}
}

// FailFor makes every send to the address fail with err
func (p *MockEmailProvider) FailFor(email string, err *DeliveryError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[strings.ToLower(email)] = err
}

// SetDelay makes every send take d, honouring the context
func (p *MockEmailProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// OnSend registers a callback invoked after each accepted send
func (p *MockEmailProvider) OnSend(fn func(MockEmail)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSend = fn
}

func (p *MockEmailProvider) Name() string { return p.name }

func (p *MockEmailProvider) Send(ctx context.Context, account *models.SenderAccount, msg EmailMessage) (*SendResult, error) {
	p.mu.Lock()
	delay := p.delay
	failure := p.fail[strings.ToLower(msg.To)]
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if failure != nil {
		return nil, failure
	}

	rec := MockEmail{AccountID: account.ID, Message: msg, SentAt: time.Now()}
	p.mu.Lock()
	p.sent = append(p.sent, rec)
	cb := p.onSend
	n := len(p.sent)
	p.mu.Unlock()

	if cb != nil {
		cb(rec)
	}
	return &SendResult{ProviderMessageID: fmt.Sprintf("%s-%d", p.name, n)}, nil
}

// Sent returns a copy of every recorded delivery
func (p *MockEmailProvider) Sent() []MockEmail {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MockEmail, len(p.sent))
	copy(out, p.sent)
	return out
}

// sortedHeaders returns header names in a stable order
func sortedHeaders(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
