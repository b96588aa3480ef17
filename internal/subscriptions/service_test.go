package subscriptions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/contracts"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/internal/products"
	"github.com/angelmondragon/billing-backend/internal/testdb"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/fx"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type stubGateway struct {
	seq        int
	requests   []gateway.PaymentRequest
	requestErr error
	charges    int
	chargeRes  gateway.ChargeResult
	chargeErr  error
}

func (g *stubGateway) RequestPayment(_ context.Context, req gateway.PaymentRequest) (gateway.PaymentRequestResult, error) {
	if g.requestErr != nil {
		return gateway.PaymentRequestResult{}, g.requestErr
	}
	g.seq++
	g.requests = append(g.requests, req)
	authority := fmt.Sprintf("A%035d", g.seq)
	return gateway.PaymentRequestResult{Authority: authority, RedirectURL: "https://pay.example.com/" + authority}, nil
}

func (g *stubGateway) ExecuteContractCharge(context.Context, string, string) (gateway.ChargeResult, error) {
	g.charges++
	return g.chargeRes, g.chargeErr
}

// tenfold converts reference cents to settlement units at a fixed rate of 10.
type tenfold struct{}

func (tenfold) ToSettlement(_ context.Context, amount int64) (fx.Conversion, error) {
	return fx.Conversion{Amount: amount * 10, Currency: "IRR", Rate: decimal.NewFromInt(10)}, nil
}

type recordingDispatcher struct {
	events []dispatch.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, event dispatch.Event) dispatch.Report {
	r.events = append(r.events, event)
	return dispatch.Report{}
}

func (r *recordingDispatcher) types() []dispatch.EventType {
	out := make([]dispatch.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc        Service
	conn       *gorm.DB
	repo       Repository
	gateway    *stubGateway
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testdb.New(t)
	events, err := billingevents.NewService(billingevents.ServiceParams{Repository: billingevents.NewRepository(conn)})
	require.NoError(t, err)

	gw := &stubGateway{chargeRes: gateway.ChargeResult{Succeeded: true, ReferenceID: "ref-1"}}
	dispatcher := &recordingDispatcher{}
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{
		Repository:        repo,
		Payments:          payments.NewRepository(conn),
		Products:          products.NewRepository(conn),
		Contracts:         contracts.NewRepository(conn),
		Gateway:           gw,
		Converter:         tenfold{},
		Events:            events,
		Dispatcher:        dispatcher,
		TxRunner:          db.NewFromGorm(conn),
		Logger:            logger.Nop(),
		CallbackURL:       "https://billing.example.com/webhooks/gateway",
		ReferenceCurrency: "USD",
		Now:               func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return &fixture{svc: svc, conn: conn, repo: repo, gateway: gw, dispatcher: dispatcher}
}

func (f *fixture) product(t *testing.T, name string, price int64, period enums.BillingPeriod) *models.Product {
	t.Helper()
	p := &models.Product{ID: uuid.New(), Name: name, Price: price, BillingPeriod: period, IsActive: true}
	require.NoError(t, f.conn.Create(p).Error)
	return p
}

func (f *fixture) contract(t *testing.T, userID uuid.UUID, expiresAt time.Time) *models.Contract {
	t.Helper()
	sig := "sig-" + uuid.NewString()
	c := &models.Contract{
		ID:              uuid.New(),
		UserID:          userID,
		ContractType:    enums.ContractTypeDirectDebit,
		Status:          enums.ContractStatusActive,
		Signature:       &sig,
		Mobile:          "09121234567",
		MaxDailyCount:   5,
		MaxMonthlyCount: 20,
		MaxAmount:       10_000_000,
		ExpiresAt:       expiresAt,
		IsActive:        true,
	}
	require.NoError(t, f.conn.Create(c).Error)
	return c
}

// activeSub inserts an active contract-backed subscription whose next billing date is daysLeft away.
func (f *fixture) activeSub(t *testing.T, userID uuid.UUID, product *models.Product, contractID *uuid.UUID, daysLeft int) *models.Subscription {
	t.Helper()
	start := testNow.AddDate(0, 0, daysLeft-30)
	next := testNow.AddDate(0, 0, daysLeft)
	sub := &models.Subscription{
		UserID:          userID,
		ProductID:       product.ID,
		Status:          enums.SubscriptionStatusActive,
		StartDate:       &start,
		NextBillingDate: &next,
		Price:           product.Price,
		BillingPeriod:   product.BillingPeriod,
		ContractID:      contractID,
	}
	require.NoError(t, f.repo.Create(context.Background(), sub))
	return sub
}

func (f *fixture) paymentsFor(t *testing.T, subID uuid.UUID) []models.Payment {
	t.Helper()
	var rows []models.Payment
	require.NoError(t, f.conn.Where("subscription_id = ?", subID).Find(&rows).Error)
	return rows
}

func TestCreateOneOffRequestsPayment(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	product := f.product(t, "Lifetime", 4900, enums.BillingPeriodOneTime)

	res, err := f.svc.Create(context.Background(), user, CreateInput{ProductID: product.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPending, res.Subscription.Status)
	require.NotNil(t, res.Payment)
	assert.Equal(t, int64(4900), res.Payment.Amount)
	assert.Equal(t, int64(49000), res.Payment.SettlementAmount)
	assert.Equal(t, enums.PaymentStatusPending, res.Payment.Status)
	assert.Contains(t, res.RedirectURL, "https://pay.example.com/")

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, int64(49000), f.gateway.requests[0].Amount)

	var types []string
	require.NoError(t, f.conn.Model(&models.BillingEvent{}).Order("event_type").Pluck("event_type", &types).Error)
	assert.Equal(t, []string{billingevents.TypePaymentRequested, billingevents.TypeSubscriptionPending}, types)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSubscriptionCreated}, f.dispatcher.types())
}

func TestCreateOneOffGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	product := f.product(t, "Lifetime", 4900, enums.BillingPeriodOneTime)
	f.gateway.requestErr = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "timeout")

	_, err := f.svc.Create(context.Background(), uuid.New(), CreateInput{ProductID: product.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable))

	var count int64
	require.NoError(t, f.conn.Model(&models.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateWithContractActivatesImmediately(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	product := f.product(t, "Pro", 1999, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))

	res, err := f.svc.Create(context.Background(), user, CreateInput{ProductID: product.ID, ContractID: &contract.ID})
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, res.Subscription.Status)
	assert.Nil(t, res.Payment)
	require.NotNil(t, res.Subscription.NextBillingDate)
	assert.True(t, res.Subscription.NextBillingDate.Equal(testNow.Add(30*24*time.Hour)))
	assert.Empty(t, f.gateway.requests)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSubscriptionCreated}, f.dispatcher.types())

	_, err = f.svc.Create(context.Background(), user, CreateInput{ProductID: product.ID, ContractID: &contract.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)
}

func TestCreateRejectsUnusableInputs(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	product := f.product(t, "Pro", 1999, enums.BillingPeriodMonthly)
	retired := f.product(t, "Legacy", 999, enums.BillingPeriodMonthly)
	require.NoError(t, f.conn.Model(&models.Product{}).Where("id = ?", retired.ID).Update("is_active", false).Error)
	expired := f.contract(t, user, testNow.Add(-time.Hour))
	foreign := f.contract(t, uuid.New(), testNow.AddDate(1, 0, 0))
	missing := uuid.New()

	cases := []struct {
		name  string
		input CreateInput
		code  pkgerrors.Code
	}{
		{"missing product", CreateInput{ProductID: uuid.New()}, pkgerrors.CodeNotFound},
		{"nil product", CreateInput{}, pkgerrors.CodeValidation},
		{"inactive product", CreateInput{ProductID: retired.ID}, pkgerrors.CodeStateConflict},
		{"expired contract", CreateInput{ProductID: product.ID, ContractID: &expired.ID}, pkgerrors.CodeStateConflict},
		{"foreign contract", CreateInput{ProductID: product.ID, ContractID: &foreign.ID}, pkgerrors.CodeNotFound},
		{"missing contract", CreateInput{ProductID: product.ID, ContractID: &missing}, pkgerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), user, tc.input)
			assert.True(t, pkgerrors.IsCode(err, tc.code), "got %v", err)
		})
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	product := f.product(t, "Pro", 1999, enums.BillingPeriodMonthly)
	sub := f.activeSub(t, user, product, nil, 10)

	_, err := f.svc.Cancel(context.Background(), uuid.New(), sub.ID, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	out, err := f.svc.Cancel(context.Background(), user, sub.ID, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCanceled, out.Status)
	assert.Nil(t, out.NextBillingDate)
	require.NotNil(t, out.EndDate)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSubscriptionUpdated}, f.dispatcher.types())

	_, err = f.svc.Cancel(context.Background(), user, sub.ID, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	// A canceled subscription frees the product for a new one.
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	_, err = f.svc.Create(context.Background(), user, CreateInput{ProductID: product.ID, ContractID: &contract.ID})
	require.NoError(t, err)
}

func TestChangePlanImmediateUpgradeCollects(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	sub := f.activeSub(t, user, basic, &contract.ID, 15)

	res, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID, Mode: enums.EffectiveModeImmediate})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Credit)
	assert.Equal(t, int64(1000), res.Charge)
	assert.Equal(t, int64(500), res.Net)
	assert.True(t, res.EffectiveDate.Equal(testNow))
	assert.Equal(t, pro.ID, res.Subscription.ProductID)
	assert.Equal(t, int64(2000), res.Subscription.Price)

	require.NotNil(t, res.Payment)
	assert.Equal(t, enums.PaymentStatusCompleted, res.Payment.Status)
	assert.Equal(t, int64(500), res.Payment.Amount)
	assert.Equal(t, 1, f.gateway.charges)

	stored, err := f.repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ProrationCredit)
	assert.Equal(t, []dispatch.EventType{dispatch.EventPaymentSucceeded, dispatch.EventSubscriptionUpdated}, f.dispatcher.types())
}

func TestChangePlanDowngradeStoresCredit(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	sub := f.activeSub(t, user, pro, &contract.ID, 15)

	res, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: basic.ID, Mode: enums.EffectiveModeImmediate})
	require.NoError(t, err)
	assert.Equal(t, int64(-500), res.Net)
	assert.Nil(t, res.Payment)
	assert.Zero(t, f.gateway.charges)

	stored, err := f.repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), stored.ProrationCredit)

	// The stored credit offsets the next upgrade.
	res, err = f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID, Mode: enums.EffectiveModeImmediate})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Net)
	assert.Nil(t, res.Payment)
	stored, err = f.repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ProrationCredit)
}

func TestChangePlanNextCycle(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	sub := f.activeSub(t, user, basic, &contract.ID, 15)

	res, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID, Mode: enums.EffectiveModeNextCycle})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Net)
	assert.Zero(t, res.Credit)
	assert.True(t, res.EffectiveDate.Equal(*sub.NextBillingDate))
	assert.Nil(t, res.Payment)
	assert.Zero(t, f.gateway.charges)

	stored, err := f.repo.FindByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, pro.ID, stored.ProductID)
	require.NotNil(t, stored.PendingProductID)
	assert.Equal(t, pro.ID, *stored.PendingProductID)
}

func TestChangePlanCollectionDeclined(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	sub := f.activeSub(t, user, basic, &contract.ID, 15)

	f.gateway.chargeRes = gateway.ChargeResult{Code: -51, Message: "insufficient funds"}
	f.gateway.chargeErr = pkgerrors.New(pkgerrors.CodePaymentDeclined, "insufficient funds")

	res, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	assert.Equal(t, enums.PaymentStatusFailed, res.Payment.Status)

	rows := f.paymentsFor(t, sub.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.PaymentStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].FailureReason)
	assert.Equal(t, "insufficient funds", *rows[0].FailureReason)
	assert.Equal(t, []dispatch.EventType{dispatch.EventPaymentFailed, dispatch.EventSubscriptionUpdated}, f.dispatcher.types())
}

func TestChangePlanCollectionOutcomeUnknown(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	contract := f.contract(t, user, testNow.AddDate(1, 0, 0))
	sub := f.activeSub(t, user, basic, &contract.ID, 15)

	f.gateway.chargeErr = pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "timeout")

	res, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Payment)
	assert.Equal(t, enums.PaymentStatusPending, res.Payment.Status)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSubscriptionUpdated}, f.dispatcher.types())
}

func TestChangePlanRejects(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	basic := f.product(t, "Basic", 1000, enums.BillingPeriodMonthly)
	pro := f.product(t, "Pro", 2000, enums.BillingPeriodMonthly)
	sub := f.activeSub(t, user, basic, nil, 15)

	_, err := f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: basic.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	_, err = f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID, Mode: "tomorrow"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	f.activeSub(t, user, pro, nil, 20)
	_, err = f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	_, err = f.svc.Cancel(context.Background(), user, sub.ID, "")
	require.NoError(t, err)
	_, err = f.svc.ChangePlan(context.Background(), user, sub.ID, ChangePlanInput{ProductID: pro.ID})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	product := f.product(t, "Pro", 1999, enums.BillingPeriodMonthly)
	sub := f.activeSub(t, user, product, nil, 5)
	f.activeSub(t, uuid.New(), product, nil, 5)

	got, err := f.svc.Get(context.Background(), user, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	list, err := f.svc.List(context.Background(), user)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
