package businessflow

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)
	htmlPattern        = regexp.MustCompile(`(?i)<(html|body|p|div|table|br|a)\b`)
)

// placeholders allowed in subjects; bodies additionally accept the tracking ones
var subjectPlaceholders = map[string]struct{}{
	"first_name": {},
	"last_name":  {},
	"email":      {},
	"geo":        {},
}

var bodyPlaceholders = map[string]struct{}{
	"first_name":      {},
	"last_name":       {},
	"email":           {},
	"geo":             {},
	"offer_url":       {},
	"unsubscribe_url": {},
	"open_pixel":      {},
}

// MessageTemplate is the raw content of a message before personalization
type MessageTemplate struct {
	Subject  string
	Body     string
	OfferURL *string
}

// Personalizer renders per-recipient content and the tracking links bound to a message token
type Personalizer struct {
	baseURL string
}

// NewPersonalizer creates a personalizer that points tracking links at cfg.BaseURL
func NewPersonalizer(cfg config.TrackingConfig) *Personalizer {
	return &Personalizer{baseURL: strings.TrimRight(cfg.BaseURL, "/")}
}

// Validate checks every placeholder of tpl without rendering it
func (p *Personalizer) Validate(tpl MessageTemplate) error {
	if err := checkPlaceholders(tpl.Subject, subjectPlaceholders); err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	if err := checkPlaceholders(tpl.Body, bodyPlaceholders); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	if placeholderUsed(tpl.Body, "offer_url") && (tpl.OfferURL == nil || *tpl.OfferURL == "") {
		return fmt.Errorf("%w: {{offer_url}} used without an offer url", ErrInvalidContent)
	}
	if tpl.OfferURL != nil && *tpl.OfferURL != "" {
		if _, ok := ValidDestination(*tpl.OfferURL); !ok {
			return fmt.Errorf("%w: offer url %q is not an absolute http(s) url", ErrInvalidContent, *tpl.OfferURL)
		}
	}
	return nil
}

// Personalize renders subject and body for one recipient.
// HTML bodies without an explicit {{open_pixel}} get the pixel appended.
func (p *Personalizer) Personalize(tpl MessageTemplate, r *models.Recipient, token uuid.UUID) (string, string, error) {
	if err := p.Validate(tpl); err != nil {
		return "", "", err
	}

	values := map[string]string{
		"first_name":      utils.DerefString(r.FirstName),
		"last_name":       utils.DerefString(r.LastName),
		"email":           r.Email,
		"geo":             utils.DerefString(r.Geo),
		"unsubscribe_url": p.UnsubscribeURL(token),
		"open_pixel":      p.openPixelTag(token),
	}
	if tpl.OfferURL != nil && *tpl.OfferURL != "" {
		values["offer_url"] = p.ClickURL(token, *tpl.OfferURL)
	}

	subject := render(tpl.Subject, values)
	body := tpl.Body
	if !placeholderUsed(body, "open_pixel") && htmlPattern.MatchString(body) {
		body = appendPixel(body, "{{open_pixel}}")
	}
	return subject, render(body, values), nil
}

// ClickURL wraps dest in the click redirect of token
func (p *Personalizer) ClickURL(token uuid.UUID, dest string) string {
	return fmt.Sprintf("%s/t/c/%s?url=%s", p.baseURL, token, url.QueryEscape(dest))
}

// UnsubscribeURL returns the unsubscribe link of token
func (p *Personalizer) UnsubscribeURL(token uuid.UUID) string {
	return fmt.Sprintf("%s/t/u/%s", p.baseURL, token)
}

// OpenPixelURL returns the open pixel address of token
func (p *Personalizer) OpenPixelURL(token uuid.UUID) string {
	return fmt.Sprintf("%s/t/o/%s", p.baseURL, token)
}

func (p *Personalizer) openPixelTag(token uuid.UUID) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, p.OpenPixelURL(token))
}

// IsHTML reports whether body looks like an HTML document or fragment
func IsHTML(body string) bool {
	return htmlPattern.MatchString(body)
}

// ValidDestination reports whether raw is an absolute http(s) url and returns it normalized
func ValidDestination(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if !utils.IsHTTPURL(raw) {
		return "", false
	}
	u, _ := url.Parse(raw)
	return u.String(), true
}

func checkPlaceholders(s string, allowed map[string]struct{}) error {
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := allowed[m[1]]; !ok {
			return fmt.Errorf("%w: unknown placeholder {{%s}}", ErrInvalidContent, m[1])
		}
	}
	return nil
}

func placeholderUsed(s, name string) bool {
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		if m[1] == name {
			return true
		}
	}
	return false
}

func render(s string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return values[name]
	})
}

func appendPixel(body, pixel string) string {
	idx := strings.LastIndex(strings.ToLower(body), "</body>")
	if idx < 0 {
		return body + pixel
	}
	return body[:idx] + pixel + body[idx:]
}
