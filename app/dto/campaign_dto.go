package dto

// ExclusionBreakdown reports how many candidates each exclusion rule matched.
// Buckets are independent: a recipient matched by two rules counts in both,
// and TotalExcluded counts it once.
type ExclusionBreakdown struct {
	Blacklisted   int `json:"blacklisted"`
	Suppressed    int `json:"suppressed"`
	Bounced       int `json:"bounced"`
	Unsubscribed  int `json:"unsubscribed"`
	TotalExcluded int `json:"total_excluded"`
}

// RecipientPreviewResponse is the result of running the recipient filter without sending
type RecipientPreviewResponse struct {
	CampaignID uint               `json:"campaign_id"`
	Candidates int                `json:"candidates"`
	Eligible   int                `json:"eligible"`
	Breakdown  ExclusionBreakdown `json:"breakdown"`
}
