package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/remnawave"
	"telegram-vpn-bot/internal/repository"
)

const bytesPerGB = int64(1024 * 1024 * 1024)

// PanelClient is the panel API surface the sync service depends on.
// *remnawave.Client satisfies it; tests substitute a fake.
type PanelClient interface {
	GetUserByUUID(ctx context.Context, uuid string) (*remnawave.User, error)
	GetUserByUsername(ctx context.Context, username string) (*remnawave.User, error)
	GetUsersByTelegramID(ctx context.Context, telegramID int64) ([]remnawave.User, error)
	CreateUser(ctx context.Context, req remnawave.CreateUserRequest) (*remnawave.User, error)
	UpdateUser(ctx context.Context, req remnawave.UpdateUserRequest) (*remnawave.User, error)
	RevokeSubscription(ctx context.Context, uuid string) (*remnawave.User, error)
	GetAllUsers(ctx context.Context, start, size int) (*remnawave.UserPage, error)
	ResetUserDevices(ctx context.Context, uuid string) error
	ResetUserTraffic(ctx context.Context, uuid string) error
	GetInternalSquads(ctx context.Context) ([]remnawave.InternalSquad, error)
}

// SyncStats summarizes one reconciliation run.
type SyncStats struct {
	Processed int
	Created   int
	Updated   int
	Disabled  int
	Failed    int
}

// PanelSyncService mirrors local subscriptions onto the RemnaWave panel
// and pulls panel state back. The local database stays authoritative:
// panel failures are logged and retried on the next pass, never allowed to
// undo a committed purchase.
type PanelSyncService struct {
	client    PanelClient
	pool      *pgxpool.Pool
	subRepo   *repository.SubscriptionRepository
	userRepo  *repository.UserRepository
	squadRepo *repository.SquadRepository
	tariffs   config.TariffsConfig
	sync      config.SyncConfig
}

// NewPanelSyncService creates a new PanelSyncService instance.
func NewPanelSyncService(
	client PanelClient,
	pool *pgxpool.Pool,
	subRepo *repository.SubscriptionRepository,
	userRepo *repository.UserRepository,
	squadRepo *repository.SquadRepository,
	tariffs config.TariffsConfig,
	syncCfg config.SyncConfig,
) *PanelSyncService {
	if syncCfg.PageSize <= 0 {
		syncCfg.PageSize = 500
	}
	if syncCfg.CommitEvery <= 0 {
		syncCfg.CommitEvery = 50
	}
	if syncCfg.PushConcurrency <= 0 {
		syncCfg.PushConcurrency = 5
	}
	return &PanelSyncService{
		client:    client,
		pool:      pool,
		subRepo:   subRepo,
		userRepo:  userRepo,
		squadRepo: squadRepo,
		tariffs:   tariffs,
		sync:      syncCfg,
	}
}

// RefreshSquads pulls the squad catalog from the panel into the local
// table. Squads listed in the trial configuration keep their trial flag.
func (s *PanelSyncService) RefreshSquads(ctx context.Context, trialSquads []string) (int, error) {
	squads, err := s.client.GetInternalSquads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list panel squads: %w", err)
	}

	trial := make(map[string]struct{}, len(trialSquads))
	for _, uuid := range trialSquads {
		trial[uuid] = struct{}{}
	}

	for _, squad := range squads {
		_, forTrial := trial[squad.UUID]
		if _, err := s.squadRepo.Upsert(ctx, squad.UUID, squad.Name, forTrial); err != nil {
			return 0, err
		}
	}
	return len(squads), nil
}

// BuildPanelUsername derives the panel username for a user and tariff:
// the Telegram username, falling back to the full name and then to a
// telegram-id stub, sanitized to the panel's charset, suffixed per tariff,
// capped at 64 characters.
func (s *PanelSyncService) BuildPanelUsername(user *model.User, code tariff.Code) string {
	base := sanitizeUsername(user.Username)
	if !usableUsername(base) {
		base = sanitizeUsername(user.FullName)
	}
	if !usableUsername(base) {
		base = "user" + strconv.FormatInt(user.TelegramID, 10)
	}

	suffix := s.tariffs.ForCode(code.String()).UsernameSuffix
	if maxBase := 64 - len(suffix); len(base) > maxBase {
		base = base[:maxBase]
	}
	return base + suffix
}

// usableUsername rejects bases that sanitized down to nothing but
// placeholders, as happens with non-Latin names.
func usableUsername(base string) bool {
	return strings.Trim(base, "_-") != ""
}

func sanitizeUsername(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// carriesTariffSignature reports whether a panel user is visibly bound to
// the given tariff by tag or username suffix.
func (s *PanelSyncService) carriesTariffSignature(pu *remnawave.User, code tariff.Code) bool {
	tc := s.tariffs.ForCode(code.String())
	if tc.Tag != "" && pu.Tag == tc.Tag {
		return true
	}
	if tc.UsernameSuffix != "" && strings.HasSuffix(pu.Username, tc.UsernameSuffix) {
		return true
	}
	return false
}

func otherTariff(code tariff.Code) tariff.Code {
	if code == tariff.White {
		return tariff.Standard
	}
	return tariff.White
}

// ResolvePanelUser finds the panel user backing a subscription, trying in
// order: the subscription's stored UUID, the user's legacy UUID (standard
// only), the constructed username, and finally the Telegram ID binding. A
// lone Telegram-ID candidate is accepted only when it does not carry the
// other tariff's signature. Returns (nil, nil) when nothing matches.
func (s *PanelSyncService) ResolvePanelUser(ctx context.Context, user *model.User, sub *model.Subscription) (*remnawave.User, error) {
	code := tariff.Code(sub.TariffCode)

	if sub.RemnawaveUUID != nil {
		pu, err := s.client.GetUserByUUID(ctx, *sub.RemnawaveUUID)
		if err == nil {
			return pu, nil
		}
		if !remnawave.IsNotFound(err) {
			return nil, err
		}
	}

	// Pre-tariff subscriptions kept their identity on the user row
	if code == tariff.Standard && user.RemnawaveUUID != nil {
		pu, err := s.client.GetUserByUUID(ctx, *user.RemnawaveUUID)
		if err == nil {
			return pu, nil
		}
		if !remnawave.IsNotFound(err) {
			return nil, err
		}
	}

	pu, err := s.client.GetUserByUsername(ctx, s.BuildPanelUsername(user, code))
	if err != nil {
		return nil, err
	}
	if pu != nil {
		return pu, nil
	}

	candidates, err := s.client.GetUsersByTelegramID(ctx, user.TelegramID)
	if err != nil {
		return nil, err
	}

	wantName := s.BuildPanelUsername(user, code)
	var signed []remnawave.User
	for i := range candidates {
		c := &candidates[i]
		if c.Username == wantName || s.carriesTariffSignature(c, code) {
			signed = append(signed, *c)
		}
	}
	if len(signed) > 0 {
		return &signed[0], nil
	}

	// A single unsigned candidate is trusted unless it is visibly bound
	// to the other tariff
	if len(candidates) == 1 && !s.carriesTariffSignature(&candidates[0], otherTariff(code)) {
		return &candidates[0], nil
	}

	return nil, nil
}

// desiredPanelState builds the create/update payload for a subscription.
// The panel status follows the local end date: a push never re-activates a
// panel user whose subscription already ran out.
func (s *PanelSyncService) desiredPanelState(user *model.User, sub *model.Subscription) remnawave.CreateUserRequest {
	code := tariff.Code(sub.TariffCode)
	tc := s.tariffs.ForCode(code.String())

	status := remnawave.UserStatusActive
	if code != tariff.White && !sub.EndDate.After(time.Now().UTC()) {
		status = remnawave.UserStatusExpired
	}

	req := remnawave.CreateUserRequest{
		Username:             s.BuildPanelUsername(user, code),
		Status:               status,
		Tag:                  tc.Tag,
		TelegramID:           &user.TelegramID,
		ExpireAt:             sub.EndDate,
		TrafficLimitBytes:    int64(sub.TrafficLimitGB) * bytesPerGB,
		ActiveInternalSquads: sub.ConnectedSquads,
	}

	if code == tariff.White {
		// Traffic-billed: never reset counters, no device cap, no date
		// expiry
		req.ExpireAt = model.WhiteEndDate
		req.TrafficLimitStrategy = remnawave.ResetStrategyNoReset
		hwid := 0
		req.HWIDDeviceLimit = &hwid
	} else {
		req.TrafficLimitStrategy = tc.TrafficResetStrategy
		devices := sub.DeviceLimit
		if sub.ModemEnabled {
			devices++ // the modem takes its own slot
		}
		req.HWIDDeviceLimit = &devices
	}

	return req
}

// CreateOrUpdate pushes the subscription to the panel, creating the panel
// user when missing, and persists the resolved identity locally. Called
// after the purchase transaction committed; failures are the caller's to
// log and retry, the local subscription stands regardless.
func (s *PanelSyncService) CreateOrUpdate(ctx context.Context, user *model.User, sub *model.Subscription, resetTraffic bool) error {
	code := tariff.Code(sub.TariffCode)
	desired := s.desiredPanelState(user, sub)

	existing, err := s.ResolvePanelUser(ctx, user, sub)
	if err != nil {
		return fmt.Errorf("failed to resolve panel user: %w", err)
	}

	var pu *remnawave.User
	if existing != nil {
		update := remnawave.UpdateUserRequest{
			UUID:                 existing.UUID,
			Status:               &desired.Status,
			Tag:                  &desired.Tag,
			TelegramID:           desired.TelegramID,
			ExpireAt:             &desired.ExpireAt,
			TrafficLimitBytes:    &desired.TrafficLimitBytes,
			TrafficLimitStrategy: &desired.TrafficLimitStrategy,
			HWIDDeviceLimit:      desired.HWIDDeviceLimit,
			ActiveInternalSquads: desired.ActiveInternalSquads,
		}
		pu, err = s.client.UpdateUser(ctx, update)
		if remnawave.IsNotFound(err) {
			pu, err = s.client.CreateUser(ctx, desired)
		}
	} else {
		pu, err = s.client.CreateUser(ctx, desired)
	}
	if err != nil {
		return fmt.Errorf("failed to push subscription to panel: %w", err)
	}

	if resetTraffic && code == tariff.Standard {
		if err := s.client.ResetUserTraffic(ctx, pu.UUID); err != nil {
			log.Warn().Err(err).Str("panel_uuid", pu.UUID).Msg("Failed to reset traffic on panel")
		}
	}

	identity := repository.PanelIdentity{
		UUID:       &pu.UUID,
		ShortUUID:  &pu.ShortUUID,
		URL:        pu.SubscriptionURL,
		CryptoLink: pu.HappCryptoLink,
	}
	if err := s.subRepo.UpdatePanelIdentity(ctx, sub.ID, identity); err != nil {
		return err
	}

	// Keep the legacy user-level field in step for standard so older
	// tooling still resolves the account
	if code == tariff.Standard {
		if err := s.userRepo.SetPanelUUID(ctx, user.ID, &pu.UUID); err != nil {
			return err
		}
	}

	log.Info().
		Int64("user_id", user.ID).
		Str("tariff", sub.TariffCode).
		Str("panel_uuid", pu.UUID).
		Msg("Subscription pushed to panel")
	return nil
}

// Revoke rotates the subscription's panel credentials and stores the new
// links.
func (s *PanelSyncService) Revoke(ctx context.Context, sub *model.Subscription) error {
	if sub.RemnawaveUUID == nil {
		return fmt.Errorf("subscription %d has no panel identity", sub.ID)
	}

	pu, err := s.client.RevokeSubscription(ctx, *sub.RemnawaveUUID)
	if err != nil {
		return fmt.Errorf("failed to revoke subscription: %w", err)
	}

	return s.subRepo.UpdatePanelIdentity(ctx, sub.ID, repository.PanelIdentity{
		UUID:       &pu.UUID,
		ShortUUID:  &pu.ShortUUID,
		URL:        pu.SubscriptionURL,
		CryptoLink: pu.HappCryptoLink,
	})
}

// SyncUsage pulls the panel's traffic counter into the local row.
func (s *PanelSyncService) SyncUsage(ctx context.Context, sub *model.Subscription) error {
	if sub.RemnawaveUUID == nil {
		return nil
	}

	pu, err := s.client.GetUserByUUID(ctx, *sub.RemnawaveUUID)
	if err != nil {
		if remnawave.IsNotFound(err) {
			return nil
		}
		return err
	}

	usedGB := float64(pu.UsedTrafficBytes) / float64(bytesPerGB)
	return s.subRepo.UpdateUsage(ctx, sub.ID, usedGB)
}

// ValidateAndClean verifies the subscription's panel identity against the
// panel and wipes it when it dangles: a short UUID without a full one, a
// panel user that no longer exists, or a panel user bound to someone
// else's Telegram account. The local row survives the wipe. Reports
// whether the row is in a consistent state afterwards.
func (s *PanelSyncService) ValidateAndClean(ctx context.Context, sub *model.Subscription, user *model.User) bool {
	if sub.RemnawaveUUID == nil {
		if sub.RemnawaveShortUUID == nil {
			return true
		}
		log.Warn().
			Int64("subscription_id", sub.ID).
			Msg("Short UUID without a panel UUID, wiping identity")
		return s.wipeIdentity(ctx, sub, user)
	}

	pu, err := s.client.GetUserByUUID(ctx, *sub.RemnawaveUUID)
	if err != nil {
		if remnawave.IsNotFound(err) {
			log.Warn().
				Int64("subscription_id", sub.ID).
				Str("panel_uuid", *sub.RemnawaveUUID).
				Msg("Panel user gone, clearing dangling identity")
			return s.wipeIdentity(ctx, sub, user)
		}
		log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Failed to validate panel identity")
		return false
	}

	if pu.TelegramID != nil && *pu.TelegramID != user.TelegramID {
		log.Warn().
			Int64("subscription_id", sub.ID).
			Str("panel_uuid", pu.UUID).
			Int64("panel_telegram_id", *pu.TelegramID).
			Int64("local_telegram_id", user.TelegramID).
			Msg("Panel user belongs to another Telegram account, wiping identity")
		return s.wipeIdentity(ctx, sub, user)
	}

	return true
}

// wipeIdentity clears the subscription's panel binding, including its
// squads, and the user-level legacy UUID for standard rows.
func (s *PanelSyncService) wipeIdentity(ctx context.Context, sub *model.Subscription, user *model.User) bool {
	if err := s.subRepo.ClearPanelIdentity(ctx, sub.ID); err != nil {
		log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Failed to clear panel identity")
		return false
	}
	sub.RemnawaveUUID = nil
	sub.RemnawaveShortUUID = nil
	sub.ConnectedSquads = nil

	if tariff.Code(sub.TariffCode) == tariff.Standard && user.RemnawaveUUID != nil {
		if err := s.userRepo.SetPanelUUID(ctx, user.ID, nil); err != nil {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("Failed to clear legacy panel uuid")
			return false
		}
		user.RemnawaveUUID = nil
	}
	return true
}

// detectTariff classifies a panel user by tag first, username suffix
// second, defaulting to standard.
func (s *PanelSyncService) detectTariff(pu *remnawave.User) tariff.Code {
	for _, code := range []tariff.Code{tariff.White, tariff.Standard} {
		if tc := s.tariffs.ForCode(code.String()); tc.Tag != "" && pu.Tag == tc.Tag {
			return code
		}
	}
	if suffix := s.tariffs.White.UsernameSuffix; suffix != "" && strings.HasSuffix(pu.Username, suffix) {
		return tariff.White
	}
	return tariff.Standard
}

func panelStatusToLocal(status string) string {
	switch status {
	case remnawave.UserStatusDisabled:
		return model.SubscriptionStatusDisabled
	case remnawave.UserStatusExpired:
		return model.SubscriptionStatusExpired
	default:
		return model.SubscriptionStatusActive
	}
}

// expiryToleranceSeconds is how far the panel's expiry may drift from the
// local end date before the sync adopts the panel's value. Sub-minute
// drift comes from the push rounding, not from a real change.
const expiryToleranceSeconds = 60

// applyPanelRecord folds one panel user into the local store using the
// transaction-bound repositories. Panel users carrying a Telegram ID that
// the bot has never seen get a local account created for them, so a panel
// populated before the bot is adopted wholesale.
func (s *PanelSyncService) applyPanelRecord(ctx context.Context, subRepo *repository.SubscriptionRepository, userRepo *repository.UserRepository, pu *remnawave.User, stats *SyncStats) error {
	code := s.detectTariff(pu)
	usedGB := float64(pu.UsedTrafficBytes) / float64(bytesPerGB)
	limitGB := int(pu.TrafficLimitBytes / bytesPerGB)

	sub, err := subRepo.GetByPanelUUID(ctx, pu.UUID)
	if err != nil && err != repository.ErrSubscriptionNotFound {
		return err
	}

	if sub == nil {
		if pu.TelegramID == nil {
			return nil // nothing to bind the record to
		}
		user, err := userRepo.GetByTelegramID(ctx, *pu.TelegramID)
		if err != nil {
			if err != repository.ErrUserNotFound {
				return err
			}
			tc := s.tariffs.ForCode(code.String())
			localName := strings.TrimSuffix(pu.Username, tc.UsernameSuffix)
			user, err = userRepo.Create(ctx, *pu.TelegramID, localName, "")
			if err != nil {
				return err
			}
			log.Info().
				Int64("telegram_id", *pu.TelegramID).
				Str("panel_uuid", pu.UUID).
				Msg("Created local account for panel user")
		}

		sub, err = subRepo.Get(ctx, user.ID, code.String())
		if err != nil {
			if err != repository.ErrSubscriptionNotFound {
				return err
			}
			created, err := subRepo.Create(ctx, repository.CreateParams{
				UserID:          user.ID,
				TariffCode:      code.String(),
				Status:          panelStatusToLocal(pu.Status),
				StartDate:       time.Now().UTC(),
				EndDate:         pu.ExpireAt,
				TrafficLimitGB:  limitGB,
				DeviceLimit:     panelDeviceLimit(pu, false, 1),
				ConnectedSquads: pu.ActiveInternalSquads,
			})
			if err != nil {
				return err
			}
			sub = created
			stats.Created++
		}
	}

	identity := repository.PanelIdentity{
		UUID:       &pu.UUID,
		ShortUUID:  &pu.ShortUUID,
		URL:        pu.SubscriptionURL,
		CryptoLink: pu.HappCryptoLink,
	}
	if err := subRepo.UpdatePanelIdentity(ctx, sub.ID, identity); err != nil {
		return err
	}
	if err := subRepo.UpdateUsage(ctx, sub.ID, usedGB); err != nil {
		return err
	}

	endDate := sub.EndDate
	if drift := pu.ExpireAt.Sub(sub.EndDate); drift > expiryToleranceSeconds*time.Second ||
		drift < -expiryToleranceSeconds*time.Second {
		endDate = pu.ExpireAt
	}
	devices := panelDeviceLimit(pu, sub.ModemEnabled, sub.DeviceLimit)
	if err := subRepo.ApplyPanelState(ctx, sub.ID, endDate, limitGB, devices, pu.ActiveInternalSquads); err != nil {
		return err
	}

	if local := panelStatusToLocal(pu.Status); local != sub.Status &&
		sub.Status != model.SubscriptionStatusTrial && sub.Status != model.SubscriptionStatusPending {
		if err := subRepo.SetStatus(ctx, sub.ID, local); err != nil {
			return err
		}
	}
	stats.Updated++
	return nil
}

// panelDeviceLimit maps the panel's HWID cap back to the local device
// limit, undoing the extra modem slot the push added. Zero or absent caps
// keep the fallback.
func panelDeviceLimit(pu *remnawave.User, modemEnabled bool, fallback int) int {
	if pu.HWIDDeviceLimit == nil || *pu.HWIDDeviceLimit <= 0 {
		return fallback
	}
	devices := *pu.HWIDDeviceLimit
	if modemEnabled && devices > 1 {
		devices--
	}
	return devices
}

// SyncFromPanel pulls the full panel user list and folds it into the local
// store. Records are processed page by page and committed in chunks; a
// failed chunk is rolled back, logged, and skipped so one bad record never
// aborts the run. In full mode, local rows bound to panel users that no
// longer exist are disabled afterwards.
func (s *PanelSyncService) SyncFromPanel(ctx context.Context, full bool) (*SyncStats, error) {
	stats := &SyncStats{}
	seen := make(map[string]struct{})
	seenKeys := make(map[string]struct{})

	start := 0
	for {
		page, err := s.client.GetAllUsers(ctx, start, s.sync.PageSize)
		if err != nil {
			return stats, fmt.Errorf("failed to list panel users: %w", err)
		}
		if len(page.Users) == 0 {
			break
		}

		for chunkStart := 0; chunkStart < len(page.Users); chunkStart += s.sync.CommitEvery {
			chunkEnd := chunkStart + s.sync.CommitEvery
			if chunkEnd > len(page.Users) {
				chunkEnd = len(page.Users)
			}
			chunk := page.Users[chunkStart:chunkEnd]

			if err := s.applyChunk(ctx, chunk, seen, seenKeys, stats); err != nil {
				stats.Failed += len(chunk)
				log.Error().Err(err).
					Int("chunk_size", len(chunk)).
					Msg("Panel sync chunk failed, continuing")
			}
		}

		start += len(page.Users)
		if start >= page.Total || len(page.Users) < s.sync.PageSize {
			break
		}
	}

	if full {
		if err := s.disableMissing(ctx, seen, seenKeys, stats); err != nil {
			return stats, err
		}
	}

	log.Info().
		Int("processed", stats.Processed).
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("disabled", stats.Disabled).
		Int("failed", stats.Failed).
		Bool("full", full).
		Msg("Panel sync finished")
	return stats, nil
}

func (s *PanelSyncService) applyChunk(ctx context.Context, chunk []remnawave.User, seen, seenKeys map[string]struct{}, stats *SyncStats) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin sync chunk: %w", err)
	}
	defer tx.Rollback(ctx)

	subRepo := s.subRepo.WithTx(tx)
	userRepo := s.userRepo.WithTx(tx)

	for i := range chunk {
		pu := &chunk[i]
		stats.Processed++
		seen[pu.UUID] = struct{}{}
		if pu.TelegramID != nil {
			seenKeys[panelKey(*pu.TelegramID, s.detectTariff(pu))] = struct{}{}
		}
		if err := s.applyPanelRecord(ctx, subRepo, userRepo, pu, stats); err != nil {
			return fmt.Errorf("failed to apply panel user %s: %w", pu.UUID, err)
		}
	}

	return tx.Commit(ctx)
}

// panelKey identifies a subscription by its owner and tariff, for rows the
// panel knows under a different (or no) UUID.
func panelKey(telegramID int64, code tariff.Code) string {
	return fmt.Sprintf("%d:%s", telegramID, code)
}

// disableMissing walks local subscriptions and disables those the panel no
// longer has: rows whose stored panel UUID vanished, and rows without a
// UUID whose (telegram id, tariff) pair never showed up in the pull.
func (s *PanelSyncService) disableMissing(ctx context.Context, seen, seenKeys map[string]struct{}, stats *SyncStats) error {
	offset := 0
	for {
		subs, err := s.subRepo.ListBatch(ctx, offset, s.sync.PageSize)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return nil
		}

		for _, sub := range subs {
			if sub.Status == model.SubscriptionStatusDisabled ||
				sub.Status == model.SubscriptionStatusPending {
				continue
			}

			if sub.RemnawaveUUID != nil {
				if _, ok := seen[*sub.RemnawaveUUID]; ok {
					continue
				}
			} else {
				user, err := s.userRepo.GetByID(ctx, sub.UserID)
				if err != nil {
					log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Failed to resolve subscription owner")
					stats.Failed++
					continue
				}
				if _, ok := seenKeys[panelKey(user.TelegramID, tariff.Code(sub.TariffCode))]; ok {
					continue
				}
			}

			if err := s.subRepo.DisableAndReset(ctx, sub.ID); err != nil {
				log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Failed to disable orphaned subscription")
				stats.Failed++
				continue
			}
			stats.Disabled++
			log.Warn().
				Int64("subscription_id", sub.ID).
				Int64("user_id", sub.UserID).
				Str("tariff", sub.TariffCode).
				Msg("Disabled subscription missing from panel")
		}

		offset += len(subs)
	}
}

// SyncToPanel pushes all active paid subscriptions to the panel with
// bounded concurrency. Per-subscription failures are logged and counted,
// never fatal.
func (s *PanelSyncService) SyncToPanel(ctx context.Context) (*SyncStats, error) {
	stats := &SyncStats{}
	sem := semaphore.NewWeighted(int64(s.sync.PushConcurrency))

	offset := 0
	for {
		subs, err := s.subRepo.ListBatch(ctx, offset, s.sync.PageSize)
		if err != nil {
			return stats, err
		}
		if len(subs) == 0 {
			break
		}

		results := make(chan error, len(subs))
		pushed := 0
		for _, sub := range subs {
			if sub.Status != model.SubscriptionStatusActive || sub.IsTrial {
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return stats, err
			}
			pushed++
			go func(sub *model.Subscription) {
				defer sem.Release(1)
				user, err := s.userRepo.GetByID(ctx, sub.UserID)
				if err == nil {
					err = s.CreateOrUpdate(ctx, user, sub, false)
				}
				results <- err
			}(sub)
		}

		for i := 0; i < pushed; i++ {
			stats.Processed++
			if err := <-results; err != nil {
				stats.Failed++
				log.Error().Err(err).Msg("Failed to push subscription to panel")
			} else {
				stats.Updated++
			}
		}

		offset += len(subs)
	}

	log.Info().
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Msg("Push to panel finished")
	return stats, nil
}

// SweepExpired demotes active subscriptions whose end date has passed and
// mirrors the expiry on the panel. Returns the number of demoted rows.
func (s *PanelSyncService) SweepExpired(ctx context.Context) (int, error) {
	demoted := 0
	for {
		subs, err := s.subRepo.ListExpired(ctx, s.sync.PageSize)
		if err != nil {
			return demoted, err
		}
		if len(subs) == 0 {
			return demoted, nil
		}

		for _, sub := range subs {
			if err := s.subRepo.SetStatus(ctx, sub.ID, model.SubscriptionStatusExpired); err != nil {
				return demoted, err
			}
			demoted++

			if sub.RemnawaveUUID != nil {
				status := remnawave.UserStatusExpired
				_, err := s.client.UpdateUser(ctx, remnawave.UpdateUserRequest{
					UUID:   *sub.RemnawaveUUID,
					Status: &status,
				})
				if err != nil && !remnawave.IsNotFound(err) {
					log.Warn().Err(err).
						Int64("subscription_id", sub.ID).
						Msg("Failed to mark panel user expired")
				}
			}

			log.Info().
				Int64("subscription_id", sub.ID).
				Int64("user_id", sub.UserID).
				Str("tariff", sub.TariffCode).
				Msg("Subscription expired")
		}
	}
}

// SyncAllUsage refreshes local traffic counters for every subscription
// that carries a panel identity, dropping identities that turned out to
// dangle along the way.
func (s *PanelSyncService) SyncAllUsage(ctx context.Context) error {
	offset := 0
	for {
		subs, err := s.subRepo.ListBatch(ctx, offset, s.sync.PageSize)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			return nil
		}

		for _, sub := range subs {
			if sub.RemnawaveUUID == nil && sub.RemnawaveShortUUID == nil {
				continue
			}

			user, err := s.userRepo.GetByID(ctx, sub.UserID)
			if err != nil {
				log.Warn().Err(err).
					Int64("subscription_id", sub.ID).
					Msg("Failed to resolve subscription owner")
				continue
			}
			if !s.ValidateAndClean(ctx, sub, user) || sub.RemnawaveUUID == nil {
				continue
			}

			if err := s.SyncUsage(ctx, sub); err != nil {
				log.Warn().Err(err).
					Int64("subscription_id", sub.ID).
					Msg("Failed to sync traffic usage")
			}
		}

		offset += len(subs)
	}
}
