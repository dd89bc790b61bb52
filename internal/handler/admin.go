package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/repository"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/internal/storefront"
)

// AdminHandler handles admin commands: balance adjustments, restrictions,
// panel sync triggers, contest rounds.
type AdminHandler struct {
	cfg            *config.Config
	accountService *service.AccountService
	syncService    *service.PanelSyncService
	contestService *service.ContestService
	contestHandler *ContestHandler
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	cfg *config.Config,
	accountService *service.AccountService,
	syncService *service.PanelSyncService,
	contestService *service.ContestService,
	contestHandler *ContestHandler,
) *AdminHandler {
	return &AdminHandler{
		cfg:            cfg,
		accountService: accountService,
		syncService:    syncService,
		contestService: contestService,
		contestHandler: contestHandler,
	}
}

// parseUserAmount parses "<telegram_id> <rubles>" arguments.
func parseUserAmount(args []string) (int64, int64, error) {
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("expected <telegram_id> <amount>")
	}
	telegramID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad telegram id %q", args[0])
	}
	rubles, err := strconv.ParseFloat(args[1], 64)
	if err != nil || rubles <= 0 {
		return 0, 0, fmt.Errorf("bad amount %q", args[1])
	}
	return telegramID, int64(rubles * 100), nil
}

// HandleAdminAdd handles "/admin_add <telegram_id> <rubles>".
func (h *AdminHandler) HandleAdminAdd(c tele.Context) error {
	return h.adjust(c, 1)
}

// HandleAdminSub handles "/admin_sub <telegram_id> <rubles>".
func (h *AdminHandler) HandleAdminSub(c tele.Context) error {
	return h.adjust(c, -1)
}

func (h *AdminHandler) adjust(c tele.Context, sign int64) error {
	ctx := context.Background()

	telegramID, kopeks, err := parseUserAmount(c.Args())
	if err != nil {
		return c.Reply("Формат: /admin_add|/admin_sub <telegram_id> <сумма в рублях>")
	}

	reason := fmt.Sprintf("adjustment by admin %d", c.Sender().ID)
	user, err := h.accountService.AdminAdjust(ctx, telegramID, sign*kopeks, reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			return c.Reply("Пользователь не найден")
		case errors.Is(err, repository.ErrInsufficientBalance):
			return c.Reply("Недостаточно средств на балансе пользователя")
		default:
			log.Error().Err(err).Msg("Admin adjustment failed")
			return c.Reply("❌ Не получилось изменить баланс")
		}
	}

	return c.Reply(fmt.Sprintf("✅ Баланс пользователя %d: %s",
		telegramID, storefront.FormatKopeks(user.BalanceKopeks)))
}

// HandleRestrict handles "/admin_restrict <telegram_id> [reason]".
func (h *AdminHandler) HandleRestrict(c tele.Context) error {
	return h.setRestriction(c, true)
}

// HandleUnrestrict handles "/admin_unrestrict <telegram_id>".
func (h *AdminHandler) HandleUnrestrict(c tele.Context) error {
	return h.setRestriction(c, false)
}

func (h *AdminHandler) setRestriction(c tele.Context, restricted bool) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) < 1 {
		return c.Reply("Формат: /admin_restrict|/admin_unrestrict <telegram_id> [причина]")
	}
	telegramID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Некорректный telegram id")
	}

	reason := ""
	if restricted && len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	if err := h.accountService.SetRestriction(ctx, telegramID, restricted, reason); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.Reply("Пользователь не найден")
		}
		log.Error().Err(err).Msg("Restriction change failed")
		return c.Reply("❌ Не получилось изменить ограничение")
	}
	if restricted {
		return c.Reply("🚫 Покупки ограничены")
	}
	return c.Reply("✅ Ограничение снято")
}

// HandleBlock handles "/admin_block <telegram_id>".
func (h *AdminHandler) HandleBlock(c tele.Context) error {
	return h.setBlocked(c, true)
}

// HandleUnblock handles "/admin_unblock <telegram_id>".
func (h *AdminHandler) HandleUnblock(c tele.Context) error {
	return h.setBlocked(c, false)
}

func (h *AdminHandler) setBlocked(c tele.Context, blocked bool) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) < 1 {
		return c.Reply("Формат: /admin_block|/admin_unblock <telegram_id>")
	}
	telegramID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Некорректный telegram id")
	}

	if err := h.accountService.SetBlocked(ctx, telegramID, blocked); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.Reply("Пользователь не найден")
		}
		log.Error().Err(err).Msg("Block change failed")
		return c.Reply("❌ Не получилось изменить статус аккаунта")
	}
	if blocked {
		return c.Reply("🚫 Аккаунт заблокирован")
	}
	return c.Reply("✅ Аккаунт разблокирован")
}

// HandleGrantOffer handles "/admin_offer <telegram_id> <percent> [hours]":
// issues a one-shot personal discount, optionally time-limited.
func (h *AdminHandler) HandleGrantOffer(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("Формат: /admin_offer <telegram_id> <процент> [часов]")
	}
	telegramID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Некорректный telegram id")
	}
	percent, err := strconv.Atoi(args[1])
	if err != nil || percent < 1 || percent > 100 {
		return c.Reply("Процент скидки должен быть от 1 до 100")
	}

	var validFor time.Duration
	if len(args) > 2 {
		hours, err := strconv.Atoi(args[2])
		if err != nil || hours < 1 {
			return c.Reply("Некорректный срок действия")
		}
		validFor = time.Duration(hours) * time.Hour
	}

	offer, err := h.accountService.GrantPromoOffer(ctx, telegramID, percent, validFor)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.Reply("Пользователь не найден")
		}
		log.Error().Err(err).Msg("Offer grant failed")
		return c.Reply("❌ Не получилось выдать скидку")
	}

	if offer.ExpiresAt != nil {
		return c.Reply(fmt.Sprintf("✅ Скидка %d%% выдана, действует до %s",
			offer.DiscountPercent, offer.ExpiresAt.Format("02.01.2006 15:04")))
	}
	return c.Reply(fmt.Sprintf("✅ Скидка %d%% выдана", offer.DiscountPercent))
}

// HandleSyncFrom handles "/admin_sync_from [full]": pulls panel state into
// the local store.
func (h *AdminHandler) HandleSyncFrom(c tele.Context) error {
	ctx := context.Background()
	full := len(c.Args()) > 0 && c.Args()[0] == "full"

	stats, err := h.syncService.SyncFromPanel(ctx, full)
	if err != nil {
		log.Error().Err(err).Msg("Pull sync failed")
		return c.Reply("❌ Синхронизация прервана: " + err.Error())
	}
	return c.Reply(fmt.Sprintf(
		"✅ Синхронизация из панели: обработано %d, создано %d, обновлено %d, отключено %d, ошибок %d",
		stats.Processed, stats.Created, stats.Updated, stats.Disabled, stats.Failed,
	))
}

// HandleSyncTo handles "/admin_sync_to": pushes local subscriptions to the
// panel.
func (h *AdminHandler) HandleSyncTo(c tele.Context) error {
	ctx := context.Background()

	stats, err := h.syncService.SyncToPanel(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Push sync failed")
		return c.Reply("❌ Синхронизация прервана: " + err.Error())
	}
	return c.Reply(fmt.Sprintf(
		"✅ Отправка в панель: обработано %d, ошибок %d",
		stats.Processed, stats.Failed,
	))
}

// HandleRefreshSquads handles "/admin_squads": refreshes the squad
// catalog from the panel.
func (h *AdminHandler) HandleRefreshSquads(c tele.Context) error {
	ctx := context.Background()

	trial := append([]string{}, h.cfg.Tariffs.Standard.Squads...)
	count, err := h.syncService.RefreshSquads(ctx, trial)
	if err != nil {
		log.Error().Err(err).Msg("Squad refresh failed")
		return c.Reply("❌ Не получилось обновить список сквадов")
	}
	return c.Reply(fmt.Sprintf("✅ Обновлено сквадов: %d", count))
}

// HandleContestNew handles
// "/admin_contest <game> <prize_type> <value> <max_winners> <payload...>"
// and announces the round in the current chat.
func (h *AdminHandler) HandleContestNew(c tele.Context) error {
	ctx := context.Background()

	args := c.Args()
	if len(args) < 5 {
		return c.Reply("Формат: /admin_contest <game> <prize_type> <value> <max_winners> <payload>")
	}

	prizeValue, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return c.Reply("Некорректное значение приза")
	}
	maxWinners, err := strconv.Atoi(args[3])
	if err != nil || maxWinners < 1 {
		return c.Reply("Некорректное число призовых мест")
	}
	payload := strings.Join(args[4:], " ")

	round, err := h.contestService.CreateRound(ctx, model.ContestRound{
		GameType:   args[0],
		PrizeType:  args[1],
		PrizeValue: prizeValue,
		Payload:    payload,
		MaxWinners: maxWinners,
	})
	if err != nil {
		if errors.Is(err, service.ErrUnknownGameType) {
			return c.Reply("Неизвестный тип игры")
		}
		log.Error().Err(err).Msg("Round creation failed")
		return c.Reply("❌ Не получилось создать розыгрыш")
	}

	return h.contestHandler.AnnounceRound(c, round)
}
