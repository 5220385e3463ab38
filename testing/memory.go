package testing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MemoryStore is an in-process stand-in for the Postgres store.
// Its repositories mirror the conditional updates of the SQL implementations.
type MemoryStore struct {
	mu sync.Mutex

	nextID uint

	jobs         map[uint]*models.Job
	campaigns    map[uint]*models.Campaign
	accounts     map[uint]*models.SenderAccount
	recipients   map[uint]*models.Recipient
	blacklist    map[string]bool
	suppressions map[uint]map[string]bool
	messages     map[uint]*models.OutboundMessage
	sendLogs     []*models.SendLogEntry
	cursors      map[uint]*models.DispatchCursor
	opens        []*models.OpenEvent
	clicks       []*models.ClickEvent
	unsubscribes map[string]*models.UnsubscribeEntry

	// FailNext makes the next repository call return this error
	FailNext error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[uint]*models.Job),
		campaigns:    make(map[uint]*models.Campaign),
		accounts:     make(map[uint]*models.SenderAccount),
		recipients:   make(map[uint]*models.Recipient),
		blacklist:    make(map[string]bool),
		suppressions: make(map[uint]map[string]bool),
		messages:     make(map[uint]*models.OutboundMessage),
		cursors:      make(map[uint]*models.DispatchCursor),
		unsubscribes: make(map[string]*models.UnsubscribeEntry),
	}
}

func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

// Jobs returns the job repository of the store
func (s *MemoryStore) Jobs() repository.JobRepository { return &memoryJobs{s} }

// Campaigns returns the campaign repository of the store
func (s *MemoryStore) Campaigns() repository.CampaignRepository { return &memoryCampaigns{s} }

// Accounts returns the sender account repository of the store
func (s *MemoryStore) Accounts() repository.SenderAccountRepository { return &memoryAccounts{s} }

// Recipients returns the recipient repository of the store
func (s *MemoryStore) Recipients() repository.RecipientRepository { return &memoryRecipients{s} }

// Exclusions returns the blacklist and suppression lookups of the store
func (s *MemoryStore) Exclusions() repository.ExclusionRepository { return &memoryExclusions{s} }

// Messages returns the outbound message repository of the store
func (s *MemoryStore) Messages() repository.OutboundMessageRepository { return &memoryMessages{s} }

// SendLogs returns the send log repository of the store
func (s *MemoryStore) SendLogs() repository.SendLogRepository { return &memorySendLogs{s} }

// Cursors returns the dispatch cursor repository of the store
func (s *MemoryStore) Cursors() repository.DispatchCursorRepository { return &memoryCursors{s} }

// Tracking returns the tracking repository of the store
func (s *MemoryStore) Tracking() repository.TrackingRepository { return &memoryTracking{s} }

// Transactor runs callbacks directly; the store has no rollback
func (s *MemoryStore) Transactor() repository.Transactor { return memoryTransactor{} }

type memoryTransactor struct{}

func (memoryTransactor) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// Blacklist adds active blacklist entries
func (s *MemoryStore) Blacklist(emails ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range emails {
		s.blacklist[utils.NormalizeEmail(e)] = true
	}
}

// Suppress adds suppression entries for an offer
func (s *MemoryStore) Suppress(offerID uint, emails ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressions[offerID] == nil {
		s.suppressions[offerID] = make(map[string]bool)
	}
	for _, e := range emails {
		s.suppressions[offerID][utils.NormalizeEmail(e)] = true
	}
}

// SendLogEntries returns a copy of every send log row in insertion order
func (s *MemoryStore) SendLogEntries() []models.SendLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SendLogEntry, 0, len(s.sendLogs))
	for _, e := range s.sendLogs {
		out = append(out, *e)
	}
	return out
}

// AllMessages returns a copy of every outbound message ordered by id
func (s *MemoryStore) AllMessages() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboundMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b models.OutboundMessage) int { return int(a.ID) - int(b.ID) })
	return out
}

// AllRecipients returns a copy of every recipient ordered by id
func (s *MemoryStore) AllRecipients() []models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b models.Recipient) int { return int(a.ID) - int(b.ID) })
	return out
}

// Unsubscribed returns the global unsubscribe list
func (s *MemoryStore) Unsubscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.unsubscribes))
	for e := range s.unsubscribes {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

func contains[T comparable](set []T, v T) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

func page[T any](rows []*T, orderBy string, limit, offset int) []*T {
	if strings.Contains(strings.ToUpper(orderBy), "DESC") {
		slices.Reverse(rows)
	}
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func sortedIDs[T any](m map[uint]*T) []uint {
	ids := make([]uint, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

var errDuplicate = fmt.Errorf("memory store: %w", gorm.ErrDuplicatedKey)

// ---- jobs ----

type memoryJobs struct{ s *MemoryStore }

func matchJob(j *models.Job, f models.JobFilter) bool {
	switch {
	case f.ID != nil && j.ID != *f.ID,
		f.UUID != nil && j.UUID != *f.UUID,
		f.Type != nil && j.Type != *f.Type,
		f.Status != nil && j.Status != *f.Status,
		!contains(f.Statuses, j.Status),
		f.CampaignID != nil && (j.CampaignID == nil || *j.CampaignID != *f.CampaignID),
		f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter),
		f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore),
		f.LeaseExpiredBefore != nil && j.HeartbeatAt != nil && !j.HeartbeatAt.Before(*f.LeaseExpiredBefore):
		return false
	}
	return true
}

func (r *memoryJobs) ByID(_ context.Context, id uint) (*models.Job, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if j, ok := r.s.jobs[id]; ok {
		return clone(j), nil
	}
	return nil, nil
}

func (r *memoryJobs) ByUUID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	rows, err := r.ByFilter(ctx, models.JobFilter{UUID: &id}, "", 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *memoryJobs) ByFilter(_ context.Context, f models.JobFilter, orderBy string, limit, offset int) ([]*models.Job, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Job
	for _, id := range sortedIDs(r.s.jobs) {
		if j := r.s.jobs[id]; matchJob(j, f) {
			out = append(out, clone(j))
		}
	}
	return page(out, orderBy, limit, offset), nil
}

func (r *memoryJobs) Count(ctx context.Context, f models.JobFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, f, "", 0, 0)
	return int64(len(rows)), err
}

func (r *memoryJobs) Exists(ctx context.Context, f models.JobFilter) (bool, error) {
	n, err := r.Count(ctx, f)
	return n > 0, err
}

func (r *memoryJobs) Save(_ context.Context, j *models.Job) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	return r.saveLocked(j)
}

func (r *memoryJobs) saveLocked(j *models.Job) error {
	if j.CampaignID != nil && j.Status.IsActive() {
		for _, other := range r.s.jobs {
			if other.ID != j.ID && other.CampaignID != nil && *other.CampaignID == *j.CampaignID && other.Status.IsActive() {
				return errDuplicate
			}
		}
	}
	now := utils.UTCNow()
	if j.ID == 0 {
		j.ID = r.s.id()
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	j.UpdatedAt = now
	r.s.jobs[j.ID] = clone(j)
	return nil
}

func (r *memoryJobs) SaveBatch(_ context.Context, jobs []*models.Job) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, j := range jobs {
		if err := r.saveLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryJobs) Transition(_ context.Context, id uint, from []models.JobStatus, to models.JobStatus, upd models.JobUpdate) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || !slices.Contains(from, j.Status) {
		return false, nil
	}
	j.Status = to
	if upd.StartedAt != nil {
		j.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = upd.CompletedAt
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = upd.ErrorMessage
	}
	if upd.ExitCode != nil {
		j.ExitCode = upd.ExitCode
	}
	if upd.Progress != nil {
		j.Progress = *upd.Progress
	}
	if upd.ProcessedItems != nil {
		j.ProcessedItems = max(j.ProcessedItems, *upd.ProcessedItems)
	}
	if upd.TotalItems != nil {
		j.TotalItems = *upd.TotalItems
	}
	if upd.ClearHeartbeat {
		j.HeartbeatAt = nil
	} else if upd.HeartbeatAt != nil {
		j.HeartbeatAt = upd.HeartbeatAt
	}
	j.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memoryJobs) UpdateProgress(_ context.Context, id uint, processed, total, progress int) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || (j.Status != models.JobStatusRunning && j.Status != models.JobStatusPaused) || j.ProcessedItems > processed {
		return false, nil
	}
	j.ProcessedItems = processed
	j.TotalItems = total
	j.Progress = progress
	j.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memoryJobs) CommitProgress(_ context.Context, id uint, processed, total, progress int) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.ProcessedItems > processed {
		return nil
	}
	j.ProcessedItems = processed
	j.TotalItems = total
	j.Progress = progress
	j.UpdatedAt = utils.UTCNow()
	return nil
}

func (r *memoryJobs) Heartbeat(_ context.Context, id uint, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || !j.Status.IsActive() {
		return false, nil
	}
	j.HeartbeatAt = &at
	return true, nil
}

func (r *memoryJobs) ExpireLease(_ context.Context, id uint, before time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != models.JobStatusRunning || (j.HeartbeatAt != nil && !j.HeartbeatAt.Before(before)) {
		return false, nil
	}
	j.Status = models.JobStatusPaused
	j.HeartbeatAt = nil
	j.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memoryJobs) Delete(_ context.Context, id uint) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status.IsActive() {
		return false, nil
	}
	delete(r.s.jobs, id)
	delete(r.s.cursors, id)
	return true, nil
}

// ---- campaigns ----

type memoryCampaigns struct{ s *MemoryStore }

func matchCampaign(c *models.Campaign, f models.CampaignFilter) bool {
	switch {
	case f.ID != nil && c.ID != *f.ID,
		f.UUID != nil && c.UUID != *f.UUID,
		f.OfferID != nil && (c.OfferID == nil || *c.OfferID != *f.OfferID),
		!f.IncludeArchived && c.ArchivedAt != nil,
		f.ScheduledBefore != nil && (c.ScheduledAt == nil || c.ScheduledAt.After(*f.ScheduledBefore)),
		f.WithoutJob && c.JobID != nil:
		return false
	}
	return true
}

func (r *memoryCampaigns) ByID(_ context.Context, id uint) (*models.Campaign, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[id]; ok {
		return clone(c), nil
	}
	return nil, nil
}

func (r *memoryCampaigns) ByUUID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	rows, err := r.ByFilter(ctx, models.CampaignFilter{UUID: &id, IncludeArchived: true}, "", 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *memoryCampaigns) ByFilter(_ context.Context, f models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Campaign
	for _, id := range sortedIDs(r.s.campaigns) {
		if c := r.s.campaigns[id]; matchCampaign(c, f) {
			out = append(out, clone(c))
		}
	}
	return page(out, orderBy, limit, offset), nil
}

func (r *memoryCampaigns) Count(ctx context.Context, f models.CampaignFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, f, "", 0, 0)
	return int64(len(rows)), err
}

func (r *memoryCampaigns) Exists(ctx context.Context, f models.CampaignFilter) (bool, error) {
	n, err := r.Count(ctx, f)
	return n > 0, err
}

func (r *memoryCampaigns) Save(_ context.Context, c *models.Campaign) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	r.saveLocked(c)
	return nil
}

func (r *memoryCampaigns) saveLocked(c *models.Campaign) {
	if c.ID == 0 {
		c.ID = r.s.id()
		c.CreatedAt = utils.UTCNow()
	}
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	c.UpdatedAt = utils.UTCNow()
	r.s.campaigns[c.ID] = clone(c)
}

func (r *memoryCampaigns) SaveBatch(_ context.Context, cs []*models.Campaign) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, c := range cs {
		r.saveLocked(c)
	}
	return nil
}

func (r *memoryCampaigns) AttachJob(_ context.Context, campaignID, jobID uint) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[campaignID]; ok {
		c.JobID = &jobID
	}
	return nil
}

func (r *memoryCampaigns) Archive(_ context.Context, id uint, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.ArchivedAt != nil {
		return false, nil
	}
	c.ArchivedAt = &at
	return true, nil
}

func (r *memoryCampaigns) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	rows, err := r.ByFilter(ctx, models.CampaignFilter{ScheduledBefore: &now, WithoutJob: true}, "", 0, 0)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(rows, func(a, b *models.Campaign) int { return a.ScheduledAt.Compare(*b.ScheduledAt) })
	return page(rows, "", limit, 0), nil
}

// ---- sender accounts ----

type memoryAccounts struct{ s *MemoryStore }

func matchAccount(a *models.SenderAccount, f models.SenderAccountFilter) bool {
	switch {
	case f.ID != nil && a.ID != *f.ID,
		f.UUID != nil && a.UUID != *f.UUID,
		f.Email != nil && a.Email != utils.NormalizeEmail(*f.Email),
		f.Domain != nil && utils.NormalizeEmail(a.Domain) != utils.NormalizeEmail(*f.Domain),
		f.Geo != nil && (a.Geo == nil || *a.Geo != *f.Geo),
		f.Status != nil && a.Status != *f.Status,
		!contains(f.Statuses, a.Status),
		f.UnderLimit && a.SentToday >= a.DailyLimit:
		return false
	}
	return true
}

func (r *memoryAccounts) ByID(_ context.Context, id uint) (*models.SenderAccount, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok {
		return clone(a), nil
	}
	return nil, nil
}

func (r *memoryAccounts) ByEmail(ctx context.Context, email string) (*models.SenderAccount, error) {
	rows, err := r.ByFilter(ctx, models.SenderAccountFilter{Email: &email}, "", 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *memoryAccounts) ByFilter(_ context.Context, f models.SenderAccountFilter, orderBy string, limit, offset int) ([]*models.SenderAccount, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.SenderAccount
	for _, id := range sortedIDs(r.s.accounts) {
		if a := r.s.accounts[id]; matchAccount(a, f) {
			out = append(out, clone(a))
		}
	}
	return page(out, orderBy, limit, offset), nil
}

func (r *memoryAccounts) Count(ctx context.Context, f models.SenderAccountFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, f, "", 0, 0)
	return int64(len(rows)), err
}

func (r *memoryAccounts) Exists(ctx context.Context, f models.SenderAccountFilter) (bool, error) {
	n, err := r.Count(ctx, f)
	return n > 0, err
}

func (r *memoryAccounts) Save(_ context.Context, a *models.SenderAccount) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	return r.saveLocked(a)
}

func (r *memoryAccounts) saveLocked(a *models.SenderAccount) error {
	a.Email = utils.NormalizeEmail(a.Email)
	for _, other := range r.s.accounts {
		if other.ID != a.ID && other.Email == a.Email {
			return errDuplicate
		}
	}
	if a.ID == 0 {
		a.ID = r.s.id()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = utils.UTCNow()
		}
	}
	if a.UUID == uuid.Nil {
		a.UUID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.SenderAccountStatusWarmingUp
	}
	a.UpdatedAt = utils.UTCNow()
	r.s.accounts[a.ID] = clone(a)
	return nil
}

func (r *memoryAccounts) SaveBatch(_ context.Context, as []*models.SenderAccount) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, a := range as {
		if err := r.saveLocked(a); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryAccounts) RecordSend(_ context.Context, id uint, at time.Time) (*models.SenderAccount, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || !a.Status.CanSend() || a.SentToday >= a.DailyLimit {
		return nil, nil
	}
	a.SentToday++
	a.LastUsedAt = &at
	a.UpdatedAt = at
	if a.Status == models.SenderAccountStatusActive && a.SentToday >= a.DailyLimit {
		a.Status = models.SenderAccountStatusPausedLimitReached
	}
	return clone(a), nil
}

func (r *memoryAccounts) ResetDailyQuotas(_ context.Context, now time.Time) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	cutoff := now.Add(-utils.QuotaWindow)
	var n int64
	for _, a := range r.s.accounts {
		if a.Status == models.SenderAccountStatusSuspended || a.Status == models.SenderAccountStatusPaused {
			continue
		}
		if a.QuotaResetAt != nil && !a.QuotaResetAt.Before(cutoff) {
			continue
		}
		a.SentToday = 0
		a.QuotaResetAt = &now
		if a.Status == models.SenderAccountStatusPausedLimitReached {
			a.Status = models.SenderAccountStatusActive
		}
		n++
	}
	return n, nil
}

func (r *memoryAccounts) AdvanceWarmUp(_ context.Context, id uint, stage, limit int, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || a.Status != models.SenderAccountStatusWarmingUp || a.WarmupStage >= stage {
		return false, nil
	}
	a.WarmupStage = stage
	a.DailyLimit = max(a.DailyLimit, limit)
	a.WarmupStageAt = &at
	return true, nil
}

func (r *memoryAccounts) UpdateStatus(_ context.Context, id uint, from []models.SenderAccountStatus, to models.SenderAccountStatus) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok || !slices.Contains(from, a.Status) {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (r *memoryAccounts) Heartbeat(_ context.Context, id uint, at time.Time) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return errors.New("sender account not found")
	}
	a.HeartbeatAt = &at
	return nil
}

// ---- recipients ----

type memoryRecipients struct{ s *MemoryStore }

func matchRecipient(r *models.Recipient, f models.RecipientFilter) bool {
	switch {
	case len(f.ListIDs) > 0 && !slices.Contains(f.ListIDs, int64(r.ListID)),
		len(f.IDs) > 0 && !slices.Contains(f.IDs, int64(r.ID)),
		f.Email != nil && utils.NormalizeEmail(r.Email) != utils.NormalizeEmail(*f.Email),
		f.Geo != nil && (r.Geo == nil || *r.Geo != *f.Geo),
		f.Vertical != nil && (r.Vertical == nil || *r.Vertical != *f.Vertical):
		return false
	}
	return true
}

func (r *memoryRecipients) ByID(_ context.Context, id uint) (*models.Recipient, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if rec, ok := r.s.recipients[id]; ok {
		return clone(rec), nil
	}
	return nil, nil
}

func (r *memoryRecipients) ByFilter(_ context.Context, f models.RecipientFilter, orderBy string, limit, offset int) ([]*models.Recipient, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Recipient
	for _, id := range sortedIDs(r.s.recipients) {
		if rec := r.s.recipients[id]; matchRecipient(rec, f) {
			out = append(out, clone(rec))
		}
	}
	return page(out, orderBy, limit, offset), nil
}

func (r *memoryRecipients) Count(ctx context.Context, f models.RecipientFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, f, "", 0, 0)
	return int64(len(rows)), err
}

func (r *memoryRecipients) Exists(ctx context.Context, f models.RecipientFilter) (bool, error) {
	n, err := r.Count(ctx, f)
	return n > 0, err
}

func (r *memoryRecipients) Save(_ context.Context, rec *models.Recipient) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	r.saveLocked(rec)
	return nil
}

func (r *memoryRecipients) saveLocked(rec *models.Recipient) {
	if rec.ID == 0 {
		rec.ID = r.s.id()
		rec.CreatedAt = utils.UTCNow()
	}
	rec.UpdatedAt = utils.UTCNow()
	r.s.recipients[rec.ID] = clone(rec)
}

func (r *memoryRecipients) SaveBatch(_ context.Context, recs []*models.Recipient) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, rec := range recs {
		r.saveLocked(rec)
	}
	return nil
}

func (r *memoryRecipients) MarkHardBounced(_ context.Context, emails []string) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	set := make(map[string]bool, len(emails))
	for _, e := range emails {
		set[utils.NormalizeEmail(e)] = true
	}
	var n int64
	for _, rec := range r.s.recipients {
		if set[utils.NormalizeEmail(rec.Email)] && !rec.IsHardBounced {
			rec.IsHardBounced = true
			n++
		}
	}
	return n, nil
}

func (r *memoryRecipients) MarkUnsubscribed(_ context.Context, email string) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	email = utils.NormalizeEmail(email)
	var n int64
	for _, rec := range r.s.recipients {
		if utils.NormalizeEmail(rec.Email) == email && !rec.IsUnsubscribed {
			rec.IsUnsubscribed = true
			n++
		}
	}
	return n, nil
}

// ---- exclusions ----

type memoryExclusions struct{ s *MemoryStore }

func (r *memoryExclusions) ActiveBlacklisted(_ context.Context, emails []string) ([]string, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []string
	for _, e := range emails {
		if e = utils.NormalizeEmail(e); r.s.blacklist[e] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryExclusions) Suppressed(_ context.Context, offerID uint, emails []string) ([]string, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []string
	for _, e := range emails {
		if e = utils.NormalizeEmail(e); r.s.suppressions[offerID][e] {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---- outbound messages ----

type memoryMessages struct{ s *MemoryStore }

func (r *memoryMessages) Save(_ context.Context, m *models.OutboundMessage) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	return r.saveLocked(m)
}

func (r *memoryMessages) saveLocked(m *models.OutboundMessage) error {
	for _, other := range r.s.messages {
		if other.ID != m.ID && other.Token == m.Token {
			return errDuplicate
		}
	}
	if m.ID == 0 {
		m.ID = r.s.id()
		m.CreatedAt = utils.UTCNow()
	}
	if m.Status == "" {
		m.Status = models.MessageStatusQueued
	}
	m.UpdatedAt = utils.UTCNow()
	r.s.messages[m.ID] = clone(m)
	return nil
}

func (r *memoryMessages) SaveBatch(_ context.Context, ms []*models.OutboundMessage) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, m := range ms {
		if err := r.saveLocked(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryMessages) ByID(_ context.Context, id uint) (*models.OutboundMessage, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if m, ok := r.s.messages[id]; ok {
		return clone(m), nil
	}
	return nil, nil
}

func (r *memoryMessages) ByToken(_ context.Context, token uuid.UUID) (*models.OutboundMessage, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.Token == token {
			return clone(m), nil
		}
	}
	return nil, nil
}

func (r *memoryMessages) UpdateDelivery(_ context.Context, id uint, status models.MessageStatus, accountID *uint, lastErr *string) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil
	}
	m.Status = status
	m.Attempts++
	m.LastError = lastErr
	if accountID != nil {
		m.SenderAccountID = accountID
	}
	return nil
}

func (r *memoryMessages) MarkOpened(_ context.Context, id uint, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return false, nil
	}
	m.LastOpenedAt = &at
	if m.Opened {
		return false, nil
	}
	m.Opened = true
	m.FirstOpenedAt = &at
	return true, nil
}

func (r *memoryMessages) MarkClicked(_ context.Context, id uint, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return false, nil
	}
	m.LastClickedAt = &at
	if m.Clicked {
		return false, nil
	}
	m.Clicked = true
	m.FirstClickedAt = &at
	return true, nil
}

func (r *memoryMessages) ClaimQueued(_ context.Context, accountID uint, limit int) ([]*models.OutboundMessage, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.OutboundMessage
	for _, id := range sortedIDs(r.s.messages) {
		if len(out) >= limit {
			break
		}
		m := r.s.messages[id]
		if m.Status != models.MessageStatusQueued {
			continue
		}
		m.Status = models.MessageStatusSending
		m.SenderAccountID = &accountID
		out = append(out, clone(m))
	}
	return out, nil
}

func (r *memoryMessages) ReleaseClaimed(_ context.Context, accountID uint) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.messages {
		if m.Status == models.MessageStatusSending && m.SenderAccountID != nil && *m.SenderAccountID == accountID {
			m.Status = models.MessageStatusQueued
			n++
		}
	}
	return n, nil
}

func (r *memoryMessages) MarkUnsendableByEmail(_ context.Context, email string) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	email = utils.NormalizeEmail(email)
	var n int64
	for _, m := range r.s.messages {
		if isPending(m.Status) && utils.NormalizeEmail(m.Email) == email {
			m.Status = models.MessageStatusUnsendable
			n++
		}
	}
	return n, nil
}

func (r *memoryMessages) Withdraw(_ context.Context, id uint) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || !isPending(m.Status) {
		return false, nil
	}
	m.Status = models.MessageStatusUnsendable
	return true, nil
}

func isPending(s models.MessageStatus) bool {
	return s == models.MessageStatusQueued || s == models.MessageStatusSending
}

func (r *memoryMessages) AttemptedRecipients(_ context.Context, jobID uint, recipientIDs []int64) (map[uint]bool, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	out := make(map[uint]bool)
	for _, m := range r.s.messages {
		if m.JobID == nil || *m.JobID != jobID || m.RecipientID == nil {
			continue
		}
		if m.Status != models.MessageStatusSent && m.Status != models.MessageStatusFailed {
			continue
		}
		if slices.Contains(recipientIDs, int64(*m.RecipientID)) {
			out[*m.RecipientID] = true
		}
	}
	return out, nil
}

func (r *memoryMessages) CountQueued(_ context.Context) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.messages {
		if m.Status == models.MessageStatusQueued {
			n++
		}
	}
	return n, nil
}

// ---- send logs ----

type memorySendLogs struct{ s *MemoryStore }

func (r *memorySendLogs) Save(_ context.Context, e *models.SendLogEntry) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	r.appendLocked(e)
	return nil
}

func (r *memorySendLogs) appendLocked(e *models.SendLogEntry) {
	e.ID = r.s.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utils.UTCNow()
	}
	r.s.sendLogs = append(r.s.sendLogs, clone(e))
}

func (r *memorySendLogs) SaveBatch(_ context.Context, es []*models.SendLogEntry) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	for _, e := range es {
		r.appendLocked(e)
	}
	return nil
}

func (r *memorySendLogs) CountsByJob(_ context.Context, jobID uint) (models.SendCounts, error) {
	if err := r.s.lock(); err != nil {
		return models.SendCounts{}, err
	}
	defer r.s.mu.Unlock()
	var out models.SendCounts
	for _, e := range r.s.sendLogs {
		if e.JobID == nil || *e.JobID != jobID {
			continue
		}
		switch e.Status {
		case models.SendStatusSent:
			out.Sent++
		case models.SendStatusFailed:
			out.Failed++
		}
	}
	return out, nil
}

func (r *memorySendLogs) PermanentFailureEmails(_ context.Context, f models.SendLogFilter) ([]string, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.s.sendLogs {
		switch {
		case !e.Permanent || e.Status != models.SendStatusFailed,
			f.JobID != nil && (e.JobID == nil || *e.JobID != *f.JobID),
			f.CampaignID != nil && (e.CampaignID == nil || *e.CampaignID != *f.CampaignID),
			f.SenderAccountID != nil && (e.SenderAccountID == nil || *e.SenderAccountID != *f.SenderAccountID),
			f.CreatedAfter != nil && e.CreatedAt.Before(*f.CreatedAfter):
			continue
		}
		email := utils.NormalizeEmail(e.Email)
		if !seen[email] {
			seen[email] = true
			out = append(out, email)
		}
	}
	return out, nil
}

// ---- dispatch cursors ----

type memoryCursors struct{ s *MemoryStore }

func (r *memoryCursors) ByJobID(_ context.Context, jobID uint) (*models.DispatchCursor, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if c, ok := r.s.cursors[jobID]; ok {
		cp := clone(c)
		cp.RecipientIDs = slices.Clone(c.RecipientIDs)
		return cp, nil
	}
	return nil, nil
}

func (r *memoryCursors) Save(_ context.Context, c *models.DispatchCursor) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if existing, ok := r.s.cursors[c.JobID]; ok {
		c.ID = existing.ID
	} else if c.ID == 0 {
		c.ID = r.s.id()
	}
	cp := clone(c)
	cp.RecipientIDs = slices.Clone(c.RecipientIDs)
	r.s.cursors[c.JobID] = cp
	return nil
}

func (r *memoryCursors) Advance(_ context.Context, jobID uint, position int) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if c, ok := r.s.cursors[jobID]; ok && c.Position <= position {
		c.Position = position
	}
	return nil
}

// ---- tracking ----

type memoryTracking struct{ s *MemoryStore }

func (r *memoryTracking) SaveOpen(_ context.Context, ev *models.OpenEvent) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	ev.ID = r.s.id()
	r.s.opens = append(r.s.opens, clone(ev))
	return nil
}

func (r *memoryTracking) SaveClick(_ context.Context, ev *models.ClickEvent) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	ev.ID = r.s.id()
	r.s.clicks = append(r.s.clicks, clone(ev))
	return nil
}

func (r *memoryTracking) AddUnsubscribe(_ context.Context, entry *models.UnsubscribeEntry) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	email := utils.NormalizeEmail(entry.Email)
	if _, ok := r.s.unsubscribes[email]; ok {
		return false, nil
	}
	entry.ID = r.s.id()
	entry.Email = email
	r.s.unsubscribes[email] = clone(entry)
	return true, nil
}

func (r *memoryTracking) EngagementByJob(_ context.Context, jobID uint) (models.EngagementCounts, error) {
	if err := r.s.lock(); err != nil {
		return models.EngagementCounts{}, err
	}
	defer r.s.mu.Unlock()
	var out models.EngagementCounts
	for _, ev := range r.s.opens {
		if ev.JobID != nil && *ev.JobID == jobID {
			out.Opens++
		}
	}
	for _, m := range r.s.messages {
		if m.JobID != nil && *m.JobID == jobID && m.Opened {
			out.UniqueOpens++
		}
	}
	clickers := make(map[string]bool)
	for _, ev := range r.s.clicks {
		if ev.JobID != nil && *ev.JobID == jobID {
			out.Clicks++
			clickers[utils.NormalizeEmail(ev.Email)] = true
		}
	}
	out.UniqueClickers = int64(len(clickers))
	return out, nil
}
