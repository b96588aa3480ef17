package contracts_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/contracts"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/testdb"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type signingGateway struct{}

func (signingGateway) RequestContract(context.Context, gateway.ContractRequest) (gateway.ContractRequestResult, error) {
	return gateway.ContractRequestResult{Authority: "A0000000000000000000000000000424242"}, nil
}

func (signingGateway) VerifyContractSignature(context.Context, string) (string, error) {
	return "sig-cascade", nil
}

func (signingGateway) CancelContract(context.Context, string) error { return nil }

func (signingGateway) SigningURLTemplate(authority string) string { return authority }

func (signingGateway) ListBanks(context.Context) ([]gateway.Bank, error) { return nil, nil }

func TestCancelCascadesToSubscriptions(t *testing.T) {
	conn := testdb.New(t)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	events, err := billingevents.NewService(billingevents.ServiceParams{Repository: billingevents.NewRepository(conn)})
	require.NoError(t, err)

	subRepo := subscriptions.NewRepository(conn)
	svc, err := contracts.NewService(contracts.ServiceParams{
		Repository:        contracts.NewRepository(conn),
		Gateway:           signingGateway{},
		Banks:             contracts.NewBankCache(signingGateway{}, time.Hour),
		Subscriptions:     subscriptions.NewContractCascade(subRepo),
		Events:            events,
		TxRunner:          db.NewFromGorm(conn),
		Logger:            logger.Nop(),
		CallbackURL:       "https://billing.example.com/contracts/callback",
		ReferenceCurrency: "USD",
		Now:               func() time.Time { return now },
	})
	require.NoError(t, err)

	user := uuid.New()
	initiated, err := svc.Initiate(context.Background(), user, contracts.InitiateInput{
		Mobile:          "09351112233",
		ExpiresAt:       now.AddDate(0, 6, 0),
		MaxDailyCount:   1,
		MaxMonthlyCount: 4,
		MaxAmount:       900_000,
	})
	require.NoError(t, err)
	_, err = svc.Verify(context.Background(), user, contracts.VerifyInput{Authority: initiated.Authority, Status: "OK"})
	require.NoError(t, err)

	start := now.AddDate(0, 0, -3)
	next := start.AddDate(0, 1, 0)
	backed := &models.Subscription{
		ID:              uuid.New(),
		UserID:          user,
		ProductID:       uuid.New(),
		Status:          enums.SubscriptionStatusActive,
		StartDate:       &start,
		NextBillingDate: &next,
		Price:           1999,
		BillingPeriod:   enums.BillingPeriodMonthly,
		ContractID:      &initiated.ContractID,
	}
	unrelated := &models.Subscription{
		ID:            uuid.New(),
		UserID:        user,
		ProductID:     uuid.New(),
		Status:        enums.SubscriptionStatusActive,
		StartDate:     &start,
		Price:         500,
		BillingPeriod: enums.BillingPeriodOneTime,
	}
	require.NoError(t, subRepo.Create(context.Background(), backed))
	require.NoError(t, subRepo.Create(context.Background(), unrelated))

	res, err := svc.Cancel(context.Background(), user, initiated.ContractID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{backed.ID}, res.CanceledSubscriptionIDs)

	stored, err := subRepo.FindByID(context.Background(), backed.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCanceled, stored.Status)
	assert.Nil(t, stored.NextBillingDate)
	require.NotNil(t, stored.EndDate)

	other, err := subRepo.FindByID(context.Background(), unrelated.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, other.Status)
}
