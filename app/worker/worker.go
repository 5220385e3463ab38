// Package worker runs dispatch work: per-job workers launched by the job
// orchestrator and the continuous per-account workers draining the send queue
package worker

import (
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
)

// Observer receives delivery and restart events for metrics
type Observer interface {
	SendAttempted(provider string, status models.SendStatus)
	WorkerRestarted(accountID uint)
}

type noopObserver struct{}

func (noopObserver) SendAttempted(string, models.SendStatus) {}
func (noopObserver) WorkerRestarted(uint) {}

// Deps bundles the repositories and flows every worker reads and writes
type Deps struct {
	Jobs       repository.JobRepository
	Campaigns  repository.CampaignRepository
	Accounts   repository.SenderAccountRepository
	Recipients repository.RecipientRepository
	Messages   repository.OutboundMessageRepository
	SendLogs   repository.SendLogRepository
	Cursors    repository.DispatchCursorRepository
	Transactor repository.Transactor

	Filter       businessflow.RecipientFilterFlow
	Registry     businessflow.AccountRegistry
	Personalizer *businessflow.Personalizer
	Providers    services.Providers
	Pacer        *Pacer
	Observer     Observer
}

// withDefaults fills the optional collaborators
func (d Deps) withDefaults() Deps {
	if d.Observer == nil {
		d.Observer = noopObserver{}
	}
	if d.Pacer == nil {
		d.Pacer = NewPacer()
	}
	return d
}
