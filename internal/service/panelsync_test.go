package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/remnawave"
)

// fakePanel is an in-memory PanelClient.
type fakePanel struct {
	byUUID     map[string]*remnawave.User
	squads     []remnawave.InternalSquad
	created    []remnawave.CreateUserRequest
	updated    []remnawave.UpdateUserRequest
	nextUUID   int
	resetCalls []string
}

func newFakePanel() *fakePanel {
	return &fakePanel{byUUID: map[string]*remnawave.User{}}
}

func (f *fakePanel) add(u remnawave.User) *remnawave.User {
	cp := u
	f.byUUID[cp.UUID] = &cp
	return &cp
}

func notFound() error {
	return &remnawave.APIError{StatusCode: 404, Message: "not found"}
}

func (f *fakePanel) GetUserByUUID(_ context.Context, uuid string) (*remnawave.User, error) {
	if u, ok := f.byUUID[uuid]; ok {
		return u, nil
	}
	return nil, notFound()
}

func (f *fakePanel) GetUserByUsername(_ context.Context, username string) (*remnawave.User, error) {
	for _, u := range f.byUUID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakePanel) GetUsersByTelegramID(_ context.Context, telegramID int64) ([]remnawave.User, error) {
	var out []remnawave.User
	for _, u := range f.byUUID {
		if u.TelegramID != nil && *u.TelegramID == telegramID {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakePanel) CreateUser(_ context.Context, req remnawave.CreateUserRequest) (*remnawave.User, error) {
	f.created = append(f.created, req)
	f.nextUUID++
	u := remnawave.User{
		UUID:                 "uuid-" + string(rune('a'+f.nextUUID)),
		ShortUUID:            "short",
		Username:             req.Username,
		Status:               req.Status,
		Tag:                  req.Tag,
		TelegramID:           req.TelegramID,
		ExpireAt:             req.ExpireAt,
		TrafficLimitBytes:    req.TrafficLimitBytes,
		TrafficLimitStrategy: req.TrafficLimitStrategy,
		HWIDDeviceLimit:      req.HWIDDeviceLimit,
		ActiveInternalSquads: req.ActiveInternalSquads,
		SubscriptionURL:      "https://sub.example/" + req.Username,
	}
	f.byUUID[u.UUID] = &u
	return &u, nil
}

func (f *fakePanel) UpdateUser(_ context.Context, req remnawave.UpdateUserRequest) (*remnawave.User, error) {
	u, ok := f.byUUID[req.UUID]
	if !ok {
		return nil, notFound()
	}
	f.updated = append(f.updated, req)
	if req.Status != nil {
		u.Status = *req.Status
	}
	if req.ExpireAt != nil {
		u.ExpireAt = *req.ExpireAt
	}
	if req.TrafficLimitBytes != nil {
		u.TrafficLimitBytes = *req.TrafficLimitBytes
	}
	if req.TrafficLimitStrategy != nil {
		u.TrafficLimitStrategy = *req.TrafficLimitStrategy
	}
	if req.HWIDDeviceLimit != nil {
		u.HWIDDeviceLimit = req.HWIDDeviceLimit
	}
	return u, nil
}

func (f *fakePanel) RevokeSubscription(_ context.Context, uuid string) (*remnawave.User, error) {
	u, ok := f.byUUID[uuid]
	if !ok {
		return nil, notFound()
	}
	u.ShortUUID = u.ShortUUID + "-revoked"
	u.SubscriptionURL = u.SubscriptionURL + "-revoked"
	return u, nil
}

func (f *fakePanel) GetAllUsers(_ context.Context, start, size int) (*remnawave.UserPage, error) {
	var all []remnawave.User
	for _, u := range f.byUUID {
		all = append(all, *u)
	}
	if start >= len(all) {
		return &remnawave.UserPage{Total: len(all)}, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return &remnawave.UserPage{Users: all[start:end], Total: len(all)}, nil
}

func (f *fakePanel) ResetUserDevices(_ context.Context, uuid string) error { return nil }

func (f *fakePanel) GetInternalSquads(_ context.Context) ([]remnawave.InternalSquad, error) {
	return f.squads, nil
}

func (f *fakePanel) ResetUserTraffic(_ context.Context, uuid string) error {
	f.resetCalls = append(f.resetCalls, uuid)
	return nil
}

func testTariffsConfig() config.TariffsConfig {
	return config.TariffsConfig{
		Standard: config.TariffConfig{
			Squads:               []string{"squad-std"},
			Tag:                  "STANDARD",
			TrafficResetStrategy: remnawave.ResetStrategyMonth,
		},
		White: config.TariffConfig{
			Squads:         []string{"squad-white"},
			Tag:            "WHITE",
			UsernameSuffix: "_w",
		},
	}
}

func newSyncService(panel *fakePanel) *PanelSyncService {
	return NewPanelSyncService(panel, nil, nil, nil, nil, testTariffsConfig(), config.SyncConfig{})
}

func strptr(s string) *string { return &s }

func TestBuildPanelUsername(t *testing.T) {
	svc := newSyncService(newFakePanel())

	u := &model.User{TelegramID: 42, Username: "alice"}
	assert.Equal(t, "alice", svc.BuildPanelUsername(u, tariff.Standard))
	assert.Equal(t, "alice_w", svc.BuildPanelUsername(u, tariff.White))

	// No Telegram username: fall back to the full name
	assert.Equal(t, "Jane_Doe", svc.BuildPanelUsername(
		&model.User{TelegramID: 42, FullName: "Jane Doe"}, tariff.Standard))

	// No usable name at all: fall back to the id
	assert.Equal(t, "user42_w", svc.BuildPanelUsername(&model.User{TelegramID: 42}, tariff.White))

	// A full name that sanitizes to nothing is as good as absent
	assert.Equal(t, "user42", svc.BuildPanelUsername(
		&model.User{TelegramID: 42, FullName: "Иван Петров"}, tariff.Standard))

	// Panel charset only
	assert.Equal(t, "a_b-c_1", svc.BuildPanelUsername(&model.User{Username: "a.b-c!1"}, tariff.Standard))

	// Cap at 64 including the suffix
	long := strings.Repeat("x", 100)
	got := svc.BuildPanelUsername(&model.User{Username: long}, tariff.White)
	assert.Len(t, got, 64)
	assert.True(t, strings.HasSuffix(got, "_w"))
}

func TestResolvePanelUser_BySubscriptionUUID(t *testing.T) {
	panel := newFakePanel()
	want := panel.add(remnawave.User{UUID: "u1", Username: "whatever"})
	svc := newSyncService(panel)

	got, err := svc.ResolvePanelUser(context.Background(),
		&model.User{TelegramID: 1},
		&model.Subscription{TariffCode: "standard", RemnawaveUUID: strptr("u1")})
	require.NoError(t, err)
	assert.Equal(t, want.UUID, got.UUID)
}

func TestResolvePanelUser_LegacyUserUUIDOnlyForStandard(t *testing.T) {
	panel := newFakePanel()
	panel.add(remnawave.User{UUID: "legacy", Username: "old"})
	svc := newSyncService(panel)

	user := &model.User{TelegramID: 1, RemnawaveUUID: strptr("legacy")}

	got, err := svc.ResolvePanelUser(context.Background(), user,
		&model.Subscription{TariffCode: "standard"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "legacy", got.UUID)

	// The white subscription must not adopt the legacy standard identity
	got, err = svc.ResolvePanelUser(context.Background(), user,
		&model.Subscription{TariffCode: "white"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolvePanelUser_ByConstructedUsername(t *testing.T) {
	panel := newFakePanel()
	want := panel.add(remnawave.User{UUID: "u2", Username: "bob_w"})
	svc := newSyncService(panel)

	got, err := svc.ResolvePanelUser(context.Background(),
		&model.User{TelegramID: 2, Username: "bob"},
		&model.Subscription{TariffCode: "white"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.UUID, got.UUID)
}

func TestResolvePanelUser_TelegramIDDisambiguation(t *testing.T) {
	panel := newFakePanel()
	tgID := int64(7)
	panel.add(remnawave.User{UUID: "std", Username: "someone", Tag: "STANDARD", TelegramID: &tgID})
	panel.add(remnawave.User{UUID: "wht", Username: "someone_w", Tag: "WHITE", TelegramID: &tgID})
	svc := newSyncService(panel)

	user := &model.User{TelegramID: tgID, Username: "renamed"}

	got, err := svc.ResolvePanelUser(context.Background(), user,
		&model.Subscription{TariffCode: "white"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wht", got.UUID)

	got, err = svc.ResolvePanelUser(context.Background(), user,
		&model.Subscription{TariffCode: "standard"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "std", got.UUID)
}

func TestResolvePanelUser_LoneCandidate(t *testing.T) {
	panel := newFakePanel()
	tgID := int64(9)
	panel.add(remnawave.User{UUID: "plain", Username: "somebody", TelegramID: &tgID})
	svc := newSyncService(panel)

	user := &model.User{TelegramID: tgID, Username: "renamed"}

	// An unsigned lone candidate is adopted for standard
	got, err := svc.ResolvePanelUser(context.Background(), user,
		&model.Subscription{TariffCode: "standard"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plain", got.UUID)
}

func TestResolvePanelUser_LoneCandidateOtherTariffRejected(t *testing.T) {
	panel := newFakePanel()
	tgID := int64(10)
	panel.add(remnawave.User{UUID: "wht", Username: "somebody_w", Tag: "WHITE", TelegramID: &tgID})
	svc := newSyncService(panel)

	// The only candidate is visibly white, so standard gets nothing
	got, err := svc.ResolvePanelUser(context.Background(),
		&model.User{TelegramID: tgID, Username: "renamed"},
		&model.Subscription{TariffCode: "standard"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDesiredPanelState(t *testing.T) {
	svc := newSyncService(newFakePanel())
	user := &model.User{TelegramID: 5, Username: "carol"}

	white := svc.desiredPanelState(user, &model.Subscription{
		TariffCode:     "white",
		TrafficLimitGB: 150,
	})
	require.NotNil(t, white.HWIDDeviceLimit)
	assert.Zero(t, *white.HWIDDeviceLimit)
	assert.Equal(t, remnawave.ResetStrategyNoReset, white.TrafficLimitStrategy)
	assert.Equal(t, model.WhiteEndDate, white.ExpireAt)
	assert.Equal(t, int64(150)*bytesPerGB, white.TrafficLimitBytes)

	std := svc.desiredPanelState(user, &model.Subscription{
		TariffCode:   "standard",
		EndDate:      time.Now().UTC().AddDate(0, 0, 30),
		DeviceLimit:  3,
		ModemEnabled: true,
	})
	require.NotNil(t, std.HWIDDeviceLimit)
	assert.Equal(t, 4, *std.HWIDDeviceLimit) // modem takes a slot
	assert.Equal(t, remnawave.ResetStrategyMonth, std.TrafficLimitStrategy)
	assert.Equal(t, "STANDARD", std.Tag)
	assert.Equal(t, remnawave.UserStatusActive, std.Status)
}

func TestDesiredPanelState_ExpiredStaysExpired(t *testing.T) {
	svc := newSyncService(newFakePanel())
	user := &model.User{TelegramID: 6, Username: "dan"}

	// A push for a run-out subscription must not re-activate the panel user
	expired := svc.desiredPanelState(user, &model.Subscription{
		TariffCode:  "standard",
		EndDate:     time.Now().UTC().AddDate(0, 0, -2),
		DeviceLimit: 1,
	})
	assert.Equal(t, remnawave.UserStatusExpired, expired.Status)

	// Traffic-billed rows never expire by date
	white := svc.desiredPanelState(user, &model.Subscription{
		TariffCode: "white",
		EndDate:    model.WhiteEndDate,
	})
	assert.Equal(t, remnawave.UserStatusActive, white.Status)
}

func TestDetectTariff(t *testing.T) {
	svc := newSyncService(newFakePanel())

	assert.Equal(t, tariff.White, svc.detectTariff(&remnawave.User{Tag: "WHITE"}))
	assert.Equal(t, tariff.White, svc.detectTariff(&remnawave.User{Username: "dave_w"}))
	assert.Equal(t, tariff.Standard, svc.detectTariff(&remnawave.User{Tag: "STANDARD"}))
	assert.Equal(t, tariff.Standard, svc.detectTariff(&remnawave.User{Username: "dave"}))
}
