package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// ExclusionSet holds the address-level exclusion lists for one filtering pass.
// Keys are normalized addresses.
type ExclusionSet struct {
	Blacklisted map[string]struct{}
	Suppressed  map[string]struct{}
}

// NewExclusionSet builds an ExclusionSet from raw address lists
func NewExclusionSet(blacklisted, suppressed []string) ExclusionSet {
	return ExclusionSet{
		Blacklisted: toSet(blacklisted),
		Suppressed:  toSet(suppressed),
	}
}

func toSet(emails []string) map[string]struct{} {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[utils.NormalizeEmail(e)] = struct{}{}
	}
	return set
}

// ExclusionBreakdown counts candidates per matching rule.
// Each bucket is an independent tally; TotalExcluded is the size of the union.
type ExclusionBreakdown struct {
	Blacklisted   int `json:"blacklisted"`
	Suppressed    int `json:"suppressed"`
	Bounced       int `json:"bounced"`
	Unsubscribed  int `json:"unsubscribed"`
	TotalExcluded int `json:"total_excluded"`
}

// FilterResult partitions a candidate set into eligible and excluded recipients
type FilterResult struct {
	Candidates int
	Eligible   []*models.Recipient
	Excluded   []*models.Recipient
	Breakdown  ExclusionBreakdown
}

// FilterRecipients applies every exclusion rule to the candidates.
// A recipient is excluded when any rule matches. Candidate order is preserved.
func FilterRecipients(candidates []*models.Recipient, ex ExclusionSet) FilterResult {
	res := FilterResult{
		Candidates: len(candidates),
		Eligible:   make([]*models.Recipient, 0, len(candidates)),
	}

	for _, r := range candidates {
		email := utils.NormalizeEmail(r.Email)
		excluded := false

		if _, ok := ex.Blacklisted[email]; ok {
			res.Breakdown.Blacklisted++
			excluded = true
		}
		if _, ok := ex.Suppressed[email]; ok {
			res.Breakdown.Suppressed++
			excluded = true
		}
		if r.IsHardBounced {
			res.Breakdown.Bounced++
			excluded = true
		}
		if r.IsUnsubscribed || r.IsOptout {
			res.Breakdown.Unsubscribed++
			excluded = true
		}

		if excluded {
			res.Excluded = append(res.Excluded, r)
			continue
		}
		res.Eligible = append(res.Eligible, r)
	}

	res.Breakdown.TotalExcluded = len(res.Excluded)
	return res
}

// RecipientQuery selects the candidate set of one send
type RecipientQuery struct {
	ListIDs  []int64
	Geo      *string
	Vertical *string
	OfferID  *uint
	Offset   int
	// Limit caps the candidate set before any exclusion rule runs
	Limit *int
}

// QueryForCampaign derives the recipient query from a campaign's selection parameters
func QueryForCampaign(c *models.Campaign) RecipientQuery {
	return RecipientQuery{
		ListIDs:  c.ListIDs,
		Geo:      c.Geo,
		Vertical: c.Vertical,
		OfferID:  c.OfferID,
		Offset:   c.RecipientOffset,
		Limit:    c.RecipientLimit,
	}
}

// RecipientFilterFlow resolves the eligible recipients of a query.
// Previews and dispatch share this path.
type RecipientFilterFlow interface {
	Resolve(ctx context.Context, q RecipientQuery) (*FilterResult, error)
}

// RecipientFilterFlowImpl implements RecipientFilterFlow
type RecipientFilterFlowImpl struct {
	recipientRepo repository.RecipientRepository
	exclusionRepo repository.ExclusionRepository
	logger        zerolog.Logger
}

// NewRecipientFilterFlow creates a new recipient filter flow
func NewRecipientFilterFlow(
	recipientRepo repository.RecipientRepository,
	exclusionRepo repository.ExclusionRepository,
	logger zerolog.Logger,
) RecipientFilterFlow {
	return &RecipientFilterFlowImpl{
		recipientRepo: recipientRepo,
		exclusionRepo: exclusionRepo,
		logger:        logger.With().Str("component", "recipient_filter").Logger(),
	}
}

// Resolve loads the capped candidate set, looks up exclusions for exactly those
// addresses and runs FilterRecipients. It has no side effects.
func (f *RecipientFilterFlowImpl) Resolve(ctx context.Context, q RecipientQuery) (*FilterResult, error) {
	if len(q.ListIDs) == 0 {
		return &FilterResult{}, nil
	}

	limit := 0
	if q.Limit != nil && *q.Limit > 0 {
		limit = *q.Limit
	}

	filter := models.RecipientFilter{ListIDs: q.ListIDs, Geo: q.Geo, Vertical: q.Vertical}
	candidates, err := f.recipientRepo.ByFilter(ctx, filter, "id ASC", limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	candidates = dedupeByEmail(candidates)

	emails := make([]string, 0, len(candidates))
	for _, c := range candidates {
		emails = append(emails, c.Email)
	}

	var blacklisted, suppressed []string
	if len(emails) > 0 {
		blacklisted, err = f.exclusionRepo.ActiveBlacklisted(ctx, emails)
		if err != nil {
			return nil, fmt.Errorf("failed to load blacklist: %w", err)
		}
		if q.OfferID != nil {
			suppressed, err = f.exclusionRepo.Suppressed(ctx, *q.OfferID, emails)
			if err != nil {
				return nil, fmt.Errorf("failed to load suppression list: %w", err)
			}
		}
	}

	res := FilterRecipients(candidates, NewExclusionSet(blacklisted, suppressed))
	f.logger.Debug().
		Int("candidates", res.Candidates).
		Int("eligible", len(res.Eligible)).
		Int("excluded", res.Breakdown.TotalExcluded).
		Msg("Recipients resolved")
	return &res, nil
}

// dedupeByEmail keeps the first row of every address; lists may overlap
func dedupeByEmail(rows []*models.Recipient) []*models.Recipient {
	seen := make(map[string]struct{}, len(rows))
	out := make([]*models.Recipient, 0, len(rows))
	for _, r := range rows {
		key := utils.NormalizeEmail(r.Email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
