// Package bot provides the Telegram bot initialization and handler
// registration.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/handler"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/internal/storefront"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	accountHandler      *handler.AccountHandler
	subscriptionHandler *handler.SubscriptionHandler
	contestHandler      *handler.ContestHandler
	adminHandler        *handler.AdminHandler
}

// Dependencies holds everything the bot handlers need.
type Dependencies struct {
	Config          *config.Config
	AccountService  *service.AccountService
	PurchaseService *service.PurchaseService
	ContestService  *service.ContestService
	SyncService     *service.PanelSyncService
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot: teleBot,
		cfg: deps.Config,
	}

	b.accountHandler = handler.NewAccountHandler(deps.AccountService, deps.PurchaseService)
	b.subscriptionHandler = handler.NewSubscriptionHandler(deps.Config, deps.AccountService, deps.PurchaseService)
	b.contestHandler = handler.NewContestHandler(deps.AccountService, deps.ContestService)
	b.adminHandler = handler.NewAdminHandler(deps.Config, deps.AccountService, deps.SyncService, deps.ContestService, b.contestHandler)

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/my", b.accountHandler.HandleMy)
	b.bot.Handle("/buy", b.subscriptionHandler.HandleBuy)
	b.bot.Handle("/extend", b.subscriptionHandler.HandleExtend)
	b.bot.Handle("/answer", b.contestHandler.HandleAnswer)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/admin_add", b.adminHandler.HandleAdminAdd)
	adminGroup.Handle("/admin_sub", b.adminHandler.HandleAdminSub)
	adminGroup.Handle("/admin_restrict", b.adminHandler.HandleRestrict)
	adminGroup.Handle("/admin_unrestrict", b.adminHandler.HandleUnrestrict)
	adminGroup.Handle("/admin_block", b.adminHandler.HandleBlock)
	adminGroup.Handle("/admin_unblock", b.adminHandler.HandleUnblock)
	adminGroup.Handle("/admin_offer", b.adminHandler.HandleGrantOffer)
	adminGroup.Handle("/admin_sync_from", b.adminHandler.HandleSyncFrom)
	adminGroup.Handle("/admin_sync_to", b.adminHandler.HandleSyncTo)
	adminGroup.Handle("/admin_squads", b.adminHandler.HandleRefreshSquads)
	adminGroup.Handle("/admin_contest", b.adminHandler.HandleContestNew)

	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// handleCallback routes inline button presses to their handlers.
func (b *Bot) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}

	// Telebot v3 may add a \f prefix to callback data
	data := strings.TrimPrefix(callback.Data, "\f")

	if strings.HasPrefix(data, storefront.CallbackPick) {
		return b.contestHandler.HandlePickCallback(c, strings.TrimPrefix(data, storefront.CallbackPick))
	}
	return b.subscriptionHandler.HandleCallback(c, data)
}

// NotifyAdmins sends a message to the configured admin chat. Best-effort.
func (b *Bot) NotifyAdmins(_ context.Context, text string) {
	if b.cfg.Admin.NotifyChatID == 0 {
		return
	}
	if _, err := b.bot.Send(tele.ChatID(b.cfg.Admin.NotifyChatID), text); err != nil {
		log.Warn().Err(err).Msg("Failed to notify admin chat")
	}
}

// NotifyUser sends a direct message to a user. Best-effort.
func (b *Bot) NotifyUser(_ context.Context, telegramID int64, text string) {
	if _, err := b.bot.Send(tele.ChatID(telegramID), text); err != nil {
		log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Failed to notify user")
	}
}

// Start starts the bot polling.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}
