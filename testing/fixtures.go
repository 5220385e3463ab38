package testing

import (
	"fmt"
	"strings"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// TestFixtures builds realistic, unsaved domain rows for tests
type TestFixtures struct {
	faker *gofakeit.Faker
	seq   int
}

// NewTestFixtures creates a deterministic fixture builder for the given seed
func NewTestFixtures(seed int64) *TestFixtures {
	return &TestFixtures{faker: gofakeit.New(seed)}
}

// UniqueEmail returns a fresh address that no earlier call returned
func (tf *TestFixtures) UniqueEmail() string {
	tf.seq++
	return utils.NormalizeEmail(fmt.Sprintf("%s.%d@%s", tf.faker.Username(), tf.seq, tf.faker.DomainName()))
}

// Recipient builds one clean recipient of a list
func (tf *TestFixtures) Recipient(listID uint) *models.Recipient {
	return &models.Recipient{
		ListID:    listID,
		Email:     tf.UniqueEmail(),
		FirstName: utils.ToPtr(tf.faker.FirstName()),
		LastName:  utils.ToPtr(tf.faker.LastName()),
		Geo:       utils.ToPtr("US"),
	}
}

// Recipients builds n clean recipients of a list
func (tf *TestFixtures) Recipients(listID uint, n int) []*models.Recipient {
	out := make([]*models.Recipient, 0, n)
	for range n {
		out = append(out, tf.Recipient(listID))
	}
	return out
}

// SenderAccount builds an account with the given status and daily limit
func (tf *TestFixtures) SenderAccount(status models.SenderAccountStatus, dailyLimit int) *models.SenderAccount {
	email := tf.UniqueEmail()
	return &models.SenderAccount{
		UUID:              uuid.New(),
		Email:             email,
		Domain:            utils.EmailDomain(email),
		Geo:               utils.ToPtr("US"),
		DisplayName:       utils.ToPtr(tf.faker.Name()),
		Status:            status,
		DailyLimit:        dailyLimit,
		WarmupTargetLimit: dailyLimit,
		BatchSize:         utils.DefaultBatchSize,
	}
}

// Campaign builds an api campaign over the given lists with personalized content
func (tf *TestFixtures) Campaign(listIDs ...int64) *models.Campaign {
	return &models.Campaign{
		UUID:         uuid.New(),
		Name:         strings.TrimSuffix(tf.faker.Sentence(3), "."),
		OfferURL:     utils.ToPtr("https://offers.example.com/" + tf.faker.Word()),
		FromName:     tf.faker.Company(),
		Subject:      "Hi {{first_name}}, " + tf.faker.Sentence(4),
		Body:         "<p>Hello {{first_name}}</p><p><a href=\"{{offer_url}}\">Open offer</a></p><p><a href=\"{{unsubscribe_url}}\">Unsubscribe</a></p>",
		Provider:     models.CampaignProviderAPI,
		BatchSize:    utils.DefaultBatchSize,
		BatchDelayMS: 0,
		ListIDs:      pq.Int64Array(listIDs),
	}
}
