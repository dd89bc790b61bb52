// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"errors"

	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/repository"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/internal/storefront"
)

// AccountHandler handles account commands: /start, /balance, /my.
type AccountHandler struct {
	accountService  *service.AccountService
	purchaseService *service.PurchaseService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountService *service.AccountService, purchaseService *service.PurchaseService) *AccountHandler {
	return &AccountHandler{
		accountService:  accountService,
		purchaseService: purchaseService,
	}
}

func senderName(sender *tele.User) (username, fullName string) {
	fullName = sender.FirstName
	if sender.LastName != "" {
		fullName += " " + sender.LastName
	}
	return sender.Username, fullName
}

// HandleStart greets the user and shows the storefront.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	username, fullName := senderName(sender)
	user, _, err := h.accountService.EnsureUser(ctx, sender.ID, username, fullName)
	if err != nil {
		return c.Reply("❌ Что-то пошло не так, попробуйте позже")
	}

	trialAvailable := !user.HasHadPaidSubscription
	return c.Send(
		storefront.FormatWelcome(user.BalanceKopeks),
		storefront.BuildTariffPanel(trialAvailable),
	)
}

// HandleBalance shows the balance and recent ledger entries.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	username, fullName := senderName(sender)
	user, _, err := h.accountService.EnsureUser(ctx, sender.ID, username, fullName)
	if err != nil {
		return c.Reply("❌ Что-то пошло не так, попробуйте позже")
	}

	txs, err := h.accountService.History(ctx, user.ID, 10)
	if err != nil {
		txs = nil
	}
	return c.Send(storefront.FormatHistory(user.BalanceKopeks, txs))
}

// HandleMy lists the user's subscriptions across tariffs.
func (h *AccountHandler) HandleMy(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	user, err := h.accountService.GetByTelegramID(ctx, sender.ID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return c.Reply("Сначала отправьте /start")
		}
		return c.Reply("❌ Что-то пошло не так, попробуйте позже")
	}

	subs, err := h.purchaseService.Subscriptions(ctx, user.ID)
	if err != nil {
		return c.Reply("❌ Что-то пошло не так, попробуйте позже")
	}
	if len(subs) == 0 {
		return c.Send("У вас пока нет подписок. Отправьте /start, чтобы выбрать тариф.")
	}

	msg := "📋 Ваши подписки:\n\n"
	for _, sub := range subs {
		msg += storefront.FormatSubscription(sub) + "\n"
	}
	return c.Send(msg)
}
