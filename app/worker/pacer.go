package worker

import (
	"context"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"golang.org/x/time/rate"
)

// Pacer spaces consecutive sends of one sender account by its send delay.
// Limiters are shared by every worker of the process, so two jobs using the
// same account still respect its pace.
type Pacer struct {
	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

// NewPacer creates an empty pacer
func NewPacer() *Pacer {
	return &Pacer{limiters: make(map[uint]*rate.Limiter)}
}

// Wait blocks until acc may send again or ctx is done
func (p *Pacer) Wait(ctx context.Context, acc *models.SenderAccount) error {
	if acc.SendDelayMS <= 0 {
		return nil
	}
	return p.limiter(acc.ID, time.Duration(acc.SendDelayMS)*time.Millisecond).Wait(ctx)
}

func (p *Pacer) limiter(accountID uint, delay time.Duration) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := rate.Every(delay)
	l, ok := p.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		p.limiters[accountID] = l
		return l
	}
	if l.Limit() != limit {
		l.SetLimit(limit)
	}
	return l
}
