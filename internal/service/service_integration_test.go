// Tests use testcontainers-go to spin up PostgreSQL and Redis containers.
package service

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/contest"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/db"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/remnawave"
	"telegram-vpn-bot/internal/repository"
	"telegram-vpn-bot/migrations"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

func startPostgres(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, connStr, migrations.FS))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
}

func startRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	return rdb, func() {
		_ = rdb.Close()
		_ = container.Terminate(ctx)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Tariffs: testTariffsConfig(),
		Pricing: *testPricingConfig(),
		Purchase: config.PurchaseConfig{
			TrialAddRemainingDaysToPaid: true,
			AutoPurchaseAfterTopup:      true,
		},
		Trial: config.TrialConfig{
			DurationDays:   3,
			TrafficLimitGB: 10,
			DeviceLimit:    1,
		},
	}
}

type purchaseFixture struct {
	pool      *pgxpool.Pool
	panel     *fakePanel
	store     *checkout.Store
	userRepo  *repository.UserRepository
	subRepo   *repository.SubscriptionRepository
	txRepo    *repository.TransactionRepository
	squadRepo *repository.SquadRepository
	svc       *PurchaseService
	panelSync *PanelSyncService
	cfg       *config.Config
}

func setupPurchase(t *testing.T) (*purchaseFixture, func()) {
	pool, stopPG := startPostgres(t)
	rdb, stopRedis := startRedis(t)

	panel := newFakePanel()
	cfg := testConfig()

	f := &purchaseFixture{
		pool:      pool,
		panel:     panel,
		store:     checkout.NewStore(rdb, time.Hour, time.Hour, time.Hour),
		userRepo:  repository.NewUserRepository(pool),
		subRepo:   repository.NewSubscriptionRepository(pool),
		txRepo:    repository.NewTransactionRepository(pool),
		squadRepo: repository.NewSquadRepository(pool),
		cfg:       cfg,
	}
	f.panelSync = NewPanelSyncService(panel, pool, f.subRepo, f.userRepo, f.squadRepo, cfg.Tariffs, cfg.Sync)
	f.svc = NewPurchaseService(
		pool, f.userRepo, f.subRepo, f.txRepo, f.squadRepo,
		f.store, NewPricingService(&cfg.Pricing), f.panelSync, nil, cfg,
	)

	return f, func() {
		stopRedis()
		stopPG()
	}
}

func (f *purchaseFixture) newUser(t *testing.T, telegramID, balance int64) *model.User {
	t.Helper()
	user, err := f.userRepo.Create(context.Background(), telegramID, "buyer", "Buyer")
	require.NoError(t, err)
	if balance != 0 {
		user, err = f.userRepo.AddBalance(context.Background(), user.ID, balance)
		require.NoError(t, err)
	}
	return user
}

func (f *purchaseFixture) runWizard(t *testing.T, userID int64, days, gb, devices int) string {
	t.Helper()
	ctx := context.Background()

	_, err := f.svc.StartDraft(ctx, userID, tariff.Standard, false)
	require.NoError(t, err)
	_, err = f.svc.SelectPeriod(ctx, userID, days)
	require.NoError(t, err)
	_, err = f.svc.SelectTraffic(ctx, userID, gb)
	require.NoError(t, err)
	_, err = f.svc.SelectDevices(ctx, userID, devices)
	require.NoError(t, err)

	_, token, err := f.svc.Quote(ctx, userID)
	require.NoError(t, err)
	return token
}

func TestPurchase_NewStandardSubscription(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 100, 100000)
	token := f.runWizard(t, user.ID, 30, 50, 2)

	result, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	// 29900 period + 15000 traffic + 5000 extra device
	assert.Equal(t, int64(49900), result.Breakdown.TotalKopeks)
	assert.Equal(t, int64(100000-49900), result.User.BalanceKopeks)
	assert.True(t, result.NewSub)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 50, sub.TrafficLimitGB)
	assert.Equal(t, 2, sub.DeviceLimit)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), sub.EndDate, 2*time.Minute)

	// Identity came back from the panel push
	assert.NotNil(t, sub.RemnawaveUUID)
	require.Len(t, f.panel.created, 1)
	assert.Equal(t, "STANDARD", f.panel.created[0].Tag)

	txs, err := f.txRepo.GetByUserID(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-49900), txs[0].AmountKopeks)
	assert.Equal(t, model.TxTypeSubscriptionPayment, txs[0].Type)

	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, fresh.HasHadPaidSubscription)

	// Draft consumed
	_, err = f.store.GetDraft(ctx, user.ID)
	assert.ErrorIs(t, err, checkout.ErrNotFound)
}

func TestPurchase_InsufficientFundsParksCart(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 101, 10000)
	token := f.runWizard(t, user.ID, 30, 50, 1)

	_, err := f.svc.Confirm(ctx, user.ID, token)
	var short *InsufficientFundsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(44900-10000), short.MissingKopeks)

	// Nothing moved
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fresh.BalanceKopeks)
	_, err = f.subRepo.Get(ctx, user.ID, "standard")
	assert.ErrorIs(t, err, repository.ErrSubscriptionNotFound)

	cart, err := f.store.GetCart(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(44900), cart.TotalKopeks)
}

func TestPurchase_TokenIsSingleUse(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 102, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 1)

	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, user.ID, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Only one debit happened
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000-44900), fresh.BalanceKopeks)
}

func TestPurchase_ExtendsActiveSubscription(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 103, 500000)

	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	first, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)

	token = f.runWizard(t, user.ID, 90, 100, 3)
	result, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	assert.False(t, result.NewSub)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, first.ID, sub.ID)
	// Days stack from the previous end, limits are overwritten
	assert.WithinDuration(t, first.EndDate.AddDate(0, 0, 90), sub.EndDate, 2*time.Minute)
	assert.Equal(t, 100, sub.TrafficLimitGB)
	assert.Equal(t, 3, sub.DeviceLimit)
}

func TestPurchase_WhiteAccumulatesTraffic(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 104, 500000)

	buyWhite := func(gb int) {
		_, err := f.svc.StartDraft(ctx, user.ID, tariff.White, false)
		require.NoError(t, err)
		_, err = f.svc.SelectTraffic(ctx, user.ID, gb)
		require.NoError(t, err)
		_, token, err := f.svc.Quote(ctx, user.ID)
		require.NoError(t, err)
		_, err = f.svc.Confirm(ctx, user.ID, token)
		require.NoError(t, err)
	}

	buyWhite(50)
	buyWhite(100)

	subs, err := f.subRepo.GetAll(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, "white", sub.TariffCode)
	assert.Equal(t, 150, sub.PurchasedTrafficGB)
	assert.Equal(t, 150, sub.TrafficLimitGB)
	assert.Equal(t, model.WhiteEndDate.Year(), sub.EndDate.Year())
}

func TestPurchase_TrialConversionCarriesDaysOver(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 105, 500000)

	trial, err := f.svc.GrantTrial(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, trial.IsTrial)

	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err = f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.False(t, sub.IsTrial)
	assert.Equal(t, model.SubscriptionStatusActive, sub.Status)
	// Paid days stack on the trial's end date
	assert.WithinDuration(t, trial.EndDate.AddDate(0, 0, 30), sub.EndDate, 2*time.Minute)

	var conversions int
	require.NoError(t, f.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM subscription_conversions WHERE user_id = $1", user.ID).Scan(&conversions))
	assert.Equal(t, 1, conversions)
}

func TestPurchase_TrialUnavailableAfterPaid(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 106, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	_, err = f.svc.GrantTrial(ctx, user.ID)
	assert.ErrorIs(t, err, ErrTrialUnavailable)
}

func TestTopup_AutoPurchaseCompletesWhiteCart(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 107, 5000)

	_, err := f.svc.StartDraft(ctx, user.ID, tariff.White, false)
	require.NoError(t, err)
	_, err = f.svc.SelectTraffic(ctx, user.ID, 50)
	require.NoError(t, err)
	_, token, err := f.svc.Quote(ctx, user.ID)
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, user.ID, token)
	var short *InsufficientFundsError
	require.ErrorAs(t, err, &short)

	_, err = f.svc.Topup(ctx, user.ID, 20000, "card")
	require.NoError(t, err)

	sub, err := f.subRepo.Get(ctx, user.ID, "white")
	require.NoError(t, err)
	assert.Equal(t, 50, sub.PurchasedTrafficGB)

	// 5000 + 20000 - 15000
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), fresh.BalanceKopeks)

	_, err = f.store.GetCart(ctx, user.ID)
	assert.ErrorIs(t, err, checkout.ErrNotFound)
}

func TestTopup_AutoPurchaseSkipsUnaffordableCart(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 108, 0)

	_, err := f.svc.StartDraft(ctx, user.ID, tariff.White, false)
	require.NoError(t, err)
	_, err = f.svc.SelectTraffic(ctx, user.ID, 50)
	require.NoError(t, err)
	_, token, err := f.svc.Quote(ctx, user.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, user.ID, token)
	require.Error(t, err)

	_, err = f.svc.Topup(ctx, user.ID, 1000, "card")
	require.NoError(t, err)

	// Cart stays parked, balance untouched beyond the deposit
	_, err = f.subRepo.Get(ctx, user.ID, "white")
	assert.ErrorIs(t, err, repository.ErrSubscriptionNotFound)
	cart, err := f.store.GetCart(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "white", cart.TariffCode)
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fresh.BalanceKopeks)
}

func TestPanelSync_DoublePushIsIdempotent(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 109, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)

	require.NoError(t, f.panelSync.CreateOrUpdate(ctx, fresh, sub, false))

	// Still one panel user, updated in place
	assert.Len(t, f.panel.created, 1)
	assert.NotEmpty(t, f.panel.updated)
}

func TestSyncFromPanel_AdoptsAndDisables(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 110, 0)

	// Panel knows a standard user bound to our Telegram id
	f.panel.add(remnawave.User{
		UUID:              "panel-1",
		ShortUUID:         "s1",
		Username:          "buyer",
		Status:            remnawave.UserStatusActive,
		Tag:               "STANDARD",
		TelegramID:        &user.TelegramID,
		ExpireAt:          time.Now().AddDate(0, 1, 0),
		TrafficLimitBytes: 50 * bytesPerGB,
		UsedTrafficBytes:  3 * bytesPerGB,
		SubscriptionURL:   "https://sub.example/buyer",
	})

	stats, err := f.panelSync.SyncFromPanel(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	require.NotNil(t, sub.RemnawaveUUID)
	assert.Equal(t, "panel-1", *sub.RemnawaveUUID)
	assert.InDelta(t, 3.0, sub.TrafficUsedGB, 0.01)

	// The panel user disappears; a full sync disables the local row
	delete(f.panel.byUUID, "panel-1")
	stats, err = f.panelSync.SyncFromPanel(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disabled)

	sub, err = f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusDisabled, sub.Status)
	assert.Nil(t, sub.RemnawaveUUID)
}

func (f *purchaseFixture) newContestService(t *testing.T) (*ContestService, *repository.ContestRepository) {
	t.Helper()
	registry := contest.NewRegistry()
	require.NoError(t, registry.Register(contest.NewTextAnswerStrategy()))
	contestRepo := repository.NewContestRepository(f.pool)
	svc := NewContestService(f.pool, registry, contestRepo, f.userRepo, f.subRepo, f.txRepo, f.panelSync)
	return svc, contestRepo
}

func TestContest_WinnerCapHoldsUnderConcurrency(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	svc, contestRepo := f.newContestService(t)

	round, err := svc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeBalance,
		PrizeValue: 10000,
		Payload:    `{"answer":"42"}`,
		MaxWinners: 2,
	})
	require.NoError(t, err)

	const players = 8
	users := make([]*model.User, players)
	for i := range users {
		users[i] = f.newUser(t, int64(200+i), 0)
	}

	var wg sync.WaitGroup
	results := make([]*PlayResult, players)
	errs := make([]error, players)
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Play(ctx, round.ID, users[i].ID, "42")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	winners := 0
	for _, r := range results {
		if r.Won {
			winners++
		}
	}
	assert.Equal(t, 2, winners)

	attempts, err := contestRepo.ListAttempts(ctx, round.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, players)

	updated, err := contestRepo.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.WinnersCount)
}

func TestContest_SingleAttemptPerRound(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	svc, _ := f.newContestService(t)

	round, err := svc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeCustom,
		Payload:    `{"answer":"42"}`,
		MaxWinners: 1,
	})
	require.NoError(t, err)

	user := f.newUser(t, 300, 0)

	r, err := svc.Play(ctx, round.ID, user.ID, "41")
	require.NoError(t, err)
	assert.False(t, r.Won)

	_, err = svc.Play(ctx, round.ID, user.ID, "42")
	assert.ErrorIs(t, err, ErrAlreadyAttempted)
}

func TestContest_PrizeFulfilment(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	svc, _ := f.newContestService(t)

	round, err := svc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeBalance,
		PrizeValue: 25000,
		Payload:    `{"answer":"go"}`,
		MaxWinners: 1,
	})
	require.NoError(t, err)

	user := f.newUser(t, 301, 0)
	r, err := svc.Play(ctx, round.ID, user.ID, "go")
	require.NoError(t, err)
	require.True(t, r.Won)

	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), fresh.BalanceKopeks)

	txs, err := f.txRepo.GetByUserID(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxTypeContestPrize, txs[0].Type)
}

func TestSyncFromPanel_CreatesLocalAccount(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	// The panel carries a user the bot has never seen
	tgID := int64(400)
	f.panel.add(remnawave.User{
		UUID:              "panel-new",
		ShortUUID:         "sn",
		Username:          "stranger",
		Status:            remnawave.UserStatusActive,
		Tag:               "STANDARD",
		TelegramID:        &tgID,
		ExpireAt:          time.Now().AddDate(0, 1, 0),
		TrafficLimitBytes: 100 * bytesPerGB,
		SubscriptionURL:   "https://sub.example/stranger",
	})

	stats, err := f.panelSync.SyncFromPanel(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	user, err := f.userRepo.GetByTelegramID(ctx, tgID)
	require.NoError(t, err)
	assert.Equal(t, "stranger", user.Username)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	require.NotNil(t, sub.RemnawaveUUID)
	assert.Equal(t, "panel-new", *sub.RemnawaveUUID)
	assert.Equal(t, 100, sub.TrafficLimitGB)
}

func TestSyncFromPanel_FoldsMutableFields(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 401, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 2)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	require.NotNil(t, sub.RemnawaveUUID)

	// The panel side changed well beyond the expiry tolerance
	pu := f.panel.byUUID[*sub.RemnawaveUUID]
	require.NotNil(t, pu)
	newExpiry := sub.EndDate.AddDate(0, 0, 10)
	devices := 5
	pu.ExpireAt = newExpiry
	pu.TrafficLimitBytes = 200 * bytesPerGB
	pu.HWIDDeviceLimit = &devices
	pu.ActiveInternalSquads = []string{"squad-alt"}

	_, err = f.panelSync.SyncFromPanel(ctx, false)
	require.NoError(t, err)

	sub, err = f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.WithinDuration(t, newExpiry, sub.EndDate, time.Second)
	assert.Equal(t, 200, sub.TrafficLimitGB)
	assert.Equal(t, 5, sub.DeviceLimit)
	assert.Equal(t, []string{"squad-alt"}, sub.ConnectedSquads)

	// Sub-minute drift is push rounding, not a real change
	pu.ExpireAt = sub.EndDate.Add(30 * time.Second)
	_, err = f.panelSync.SyncFromPanel(ctx, false)
	require.NoError(t, err)

	again, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.WithinDuration(t, sub.EndDate, again.EndDate, time.Second)
}

func TestSyncFromPanel_FullDisablesRowsWithoutPanelKey(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()

	// An active local row that never reached the panel
	orphan := f.newUser(t, 402, 0)
	orphanSub, err := f.subRepo.Create(ctx, repository.CreateParams{
		UserID:     orphan.ID,
		TariffCode: "standard",
		Status:     model.SubscriptionStatusActive,
		StartDate:  now,
		EndDate:    now.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	require.Nil(t, orphanSub.RemnawaveUUID)

	// A row whose owner the panel still knows, just under no stored UUID
	kept := f.newUser(t, 403, 0)
	_, err = f.subRepo.Create(ctx, repository.CreateParams{
		UserID:     kept.ID,
		TariffCode: "standard",
		Status:     model.SubscriptionStatusActive,
		StartDate:  now,
		EndDate:    now.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	f.panel.add(remnawave.User{
		UUID:       "panel-kept",
		Username:   "buyer",
		Status:     remnawave.UserStatusActive,
		Tag:        "STANDARD",
		TelegramID: &kept.TelegramID,
		ExpireAt:   now.AddDate(0, 0, 30),
	})

	stats, err := f.panelSync.SyncFromPanel(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disabled)

	got, err := f.subRepo.Get(ctx, orphan.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusDisabled, got.Status)

	got, err = f.subRepo.Get(ctx, kept.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, got.Status)
}

func TestValidateAndClean_WipesDanglingIdentities(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	newSub := func(user *model.User) *model.Subscription {
		sub, err := f.subRepo.Create(ctx, repository.CreateParams{
			UserID:          user.ID,
			TariffCode:      "standard",
			Status:          model.SubscriptionStatusActive,
			StartDate:       now,
			EndDate:         now.AddDate(0, 0, 30),
			ConnectedSquads: []string{"squad-std"},
		})
		require.NoError(t, err)
		return sub
	}

	t.Run("short uuid without uuid", func(t *testing.T) {
		user := f.newUser(t, 410, 0)
		sub := newSub(user)
		short := "lonely-short"
		require.NoError(t, f.subRepo.UpdatePanelIdentity(ctx, sub.ID, repository.PanelIdentity{ShortUUID: &short}))
		sub, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)

		assert.True(t, f.panelSync.ValidateAndClean(ctx, sub, user))

		got, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)
		assert.Nil(t, got.RemnawaveShortUUID)
		assert.Empty(t, got.ConnectedSquads)
	})

	t.Run("panel user gone", func(t *testing.T) {
		user := f.newUser(t, 411, 0)
		sub := newSub(user)
		ghost := "ghost-uuid"
		require.NoError(t, f.subRepo.UpdatePanelIdentity(ctx, sub.ID, repository.PanelIdentity{UUID: &ghost}))
		require.NoError(t, f.userRepo.SetPanelUUID(ctx, user.ID, &ghost))
		sub, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)
		user, err = f.userRepo.GetByID(ctx, user.ID)
		require.NoError(t, err)

		assert.True(t, f.panelSync.ValidateAndClean(ctx, sub, user))

		got, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)
		assert.Nil(t, got.RemnawaveUUID)
		assert.Empty(t, got.ConnectedSquads)
		// The legacy user-level binding goes with it
		freshUser, err := f.userRepo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Nil(t, freshUser.RemnawaveUUID)
	})

	t.Run("panel user belongs to someone else", func(t *testing.T) {
		user := f.newUser(t, 412, 0)
		sub := newSub(user)
		otherTG := int64(999412)
		f.panel.add(remnawave.User{
			UUID:       "stolen-uuid",
			Username:   "impostor",
			Status:     remnawave.UserStatusActive,
			TelegramID: &otherTG,
		})
		stolen := "stolen-uuid"
		require.NoError(t, f.subRepo.UpdatePanelIdentity(ctx, sub.ID, repository.PanelIdentity{UUID: &stolen}))
		sub, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)

		assert.True(t, f.panelSync.ValidateAndClean(ctx, sub, user))

		got, err := f.subRepo.Get(ctx, user.ID, "standard")
		require.NoError(t, err)
		assert.Nil(t, got.RemnawaveUUID)
	})
}

func TestBlockedAccountIsRejectedEverywhere(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 420, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 1)
	require.NoError(t, f.userRepo.SetStatus(ctx, user.ID, model.UserStatusBlocked))

	_, err := f.svc.Confirm(ctx, user.ID, token)
	assert.ErrorIs(t, err, ErrUserBlocked)

	// Nothing moved
	fresh, err := f.userRepo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), fresh.BalanceKopeks)
	_, err = f.subRepo.Get(ctx, user.ID, "standard")
	assert.ErrorIs(t, err, repository.ErrSubscriptionNotFound)

	_, err = f.svc.GrantTrial(ctx, user.ID)
	assert.ErrorIs(t, err, ErrUserBlocked)

	contestSvc, _ := f.newContestService(t)
	round, err := contestSvc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeBalance,
		PrizeValue: 10000,
		Payload:    `{"answer":"42"}`,
		MaxWinners: 1,
	})
	require.NoError(t, err)
	_, err = contestSvc.Play(ctx, round.ID, user.ID, "42")
	assert.ErrorIs(t, err, ErrUserBlocked)
}

func TestPurchase_PromoOfferBurnsOnCommit(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 430, 500000)
	_, err := f.userRepo.CreatePromoOffer(ctx, user.ID, 10, 0)
	require.NoError(t, err)

	token := f.runWizard(t, user.ID, 30, 50, 2)

	draft, err := f.store.GetDraft(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, draft.PromoOfferPercent)

	result, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	// 49900 subtotal, 10% personal discount on top
	assert.Equal(t, int64(44910), result.Breakdown.TotalKopeks)
	assert.Equal(t, int64(49900-44910), result.Breakdown.PromoOfferKopeks)

	// The offer burned with the purchase
	offer, err := f.userRepo.GetActivePromoOffer(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, offer)

	// The next purchase is full price
	token = f.runWizard(t, user.ID, 30, 50, 2)
	result, err = f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	assert.Equal(t, int64(49900), result.Breakdown.TotalKopeks)
}

func TestPurchase_PromoOfferSurvivesFailedPurchase(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 431, 1000)
	_, err := f.userRepo.CreatePromoOffer(ctx, user.ID, 10, 0)
	require.NoError(t, err)

	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err = f.svc.Confirm(ctx, user.ID, token)
	var short *InsufficientFundsError
	require.ErrorAs(t, err, &short)

	// A purchase that never committed must not burn the offer
	offer, err := f.userRepo.GetActivePromoOffer(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, 10, offer.DiscountPercent)
}

func TestPurchase_ExtendJumpsToConfirmation(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 440, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 2)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	first, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, 30, first.LastPaidPeriodDays)

	// Extend mode prefills from the last paid period and current limits
	draft, err := f.svc.StartDraft(ctx, user.ID, tariff.Standard, true)
	require.NoError(t, err)
	assert.Equal(t, checkout.StepConfirm, draft.Step)
	assert.Equal(t, 30, draft.PeriodDays)
	assert.Equal(t, 50, draft.TrafficGB)
	assert.Equal(t, 2, draft.Devices)

	_, token, err = f.svc.Quote(ctx, user.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.Equal(t, first.ID, sub.ID)
	assert.WithinDuration(t, first.EndDate.AddDate(0, 0, 30), sub.EndDate, 2*time.Minute)
}

func TestPurchase_ExtendWithoutSubscriptionFallsBack(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 441, 0)
	draft, err := f.svc.StartDraft(ctx, user.ID, tariff.Standard, true)
	require.NoError(t, err)
	assert.Equal(t, checkout.StepPeriod, draft.Step)
}

func TestContest_DaysPrizeExtendsAndPushes(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 450, 500000)
	token := f.runWizard(t, user.ID, 30, 50, 1)
	_, err := f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	before, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	pushes := len(f.panel.updated)

	contestSvc, _ := f.newContestService(t)
	round, err := contestSvc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeDays,
		PrizeValue: 7,
		Payload:    `{"answer":"go"}`,
		MaxWinners: 1,
	})
	require.NoError(t, err)

	r, err := contestSvc.Play(ctx, round.ID, user.ID, "go")
	require.NoError(t, err)
	require.True(t, r.Won)

	sub, err := f.subRepo.Get(ctx, user.ID, "standard")
	require.NoError(t, err)
	assert.WithinDuration(t, before.EndDate.AddDate(0, 0, 7), sub.EndDate, 2*time.Minute)

	// The prize reached the panel
	assert.Greater(t, len(f.panel.updated), pushes)
}

func TestContest_TrafficPrizeToppedUpAndPushed(t *testing.T) {
	f, cleanup := setupPurchase(t)
	defer cleanup()
	ctx := context.Background()

	user := f.newUser(t, 451, 500000)
	_, err := f.svc.StartDraft(ctx, user.ID, tariff.White, false)
	require.NoError(t, err)
	_, err = f.svc.SelectTraffic(ctx, user.ID, 50)
	require.NoError(t, err)
	_, token, err := f.svc.Quote(ctx, user.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, user.ID, token)
	require.NoError(t, err)
	pushes := len(f.panel.updated)

	contestSvc, _ := f.newContestService(t)
	round, err := contestSvc.CreateRound(ctx, model.ContestRound{
		GameType:   "text_answer",
		PrizeType:  model.PrizeTypeTrafficGB,
		PrizeValue: 25,
		Payload:    `{"answer":"go"}`,
		MaxWinners: 1,
	})
	require.NoError(t, err)

	r, err := contestSvc.Play(ctx, round.ID, user.ID, "go")
	require.NoError(t, err)
	require.True(t, r.Won)

	sub, err := f.subRepo.Get(ctx, user.ID, "white")
	require.NoError(t, err)
	assert.Equal(t, 75, sub.PurchasedTrafficGB)
	assert.Equal(t, 75, sub.TrafficLimitGB)

	assert.Greater(t, len(f.panel.updated), pushes)
}
