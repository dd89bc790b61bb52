package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/pkg/tariff"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/internal/storefront"
)

// SubscriptionHandler drives the purchase wizard: tariff, period, traffic,
// devices, confirmation.
type SubscriptionHandler struct {
	cfg             *config.Config
	accountService  *service.AccountService
	purchaseService *service.PurchaseService
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(cfg *config.Config, accountService *service.AccountService, purchaseService *service.PurchaseService) *SubscriptionHandler {
	return &SubscriptionHandler{
		cfg:             cfg,
		accountService:  accountService,
		purchaseService: purchaseService,
	}
}

// HandleBuy starts the wizard from the /buy command. An optional argument
// picks the tariff directly, including its short aliases.
func (h *SubscriptionHandler) HandleBuy(c tele.Context) error {
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

	args := c.Args()
	if len(args) == 0 {
		return c.Send(
			storefront.FormatWelcome(user.BalanceKopeks),
			storefront.BuildTariffPanel(!user.HasHadPaidSubscription),
		)
	}

	code := tariff.Normalize(ctx, args[0])
	return h.startWizard(c, user.ID, code, false)
}

// HandleExtend starts the wizard in extend mode from the /extend command:
// the draft is prefilled from the current subscription and jumps straight
// to the payment confirmation.
func (h *SubscriptionHandler) HandleExtend(c tele.Context) error {
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

	code := tariff.Standard
	if args := c.Args(); len(args) > 0 {
		code = tariff.Normalize(ctx, args[0])
	}
	return h.startWizard(c, user.ID, code, true)
}

func (h *SubscriptionHandler) startWizard(c tele.Context, userID int64, code tariff.Code, extend bool) error {
	ctx := context.Background()

	draft, err := h.purchaseService.StartDraft(ctx, userID, code, extend)
	if err != nil {
		return c.Send("❌ Не получилось начать оформление, попробуйте позже")
	}

	switch draft.Step {
	case checkout.StepConfirm:
		return h.showQuote(c, userID, draft.TariffCode)
	case checkout.StepTraffic:
		return c.Send("Выберите пакет трафика:", storefront.BuildTrafficPanel(h.cfg.Pricing.TrafficPackages, false))
	default:
		return c.Send("Выберите срок подписки:", storefront.BuildPeriodPanel(h.cfg.Pricing.Periods))
	}
}

// renderStep redraws the wizard at the draft's current step.
func (h *SubscriptionHandler) renderStep(c tele.Context, userID int64, draft *checkout.Draft) error {
	switch draft.Step {
	case checkout.StepPeriod:
		return c.Edit("Выберите срок подписки:", storefront.BuildPeriodPanel(h.cfg.Pricing.Periods))
	case checkout.StepTraffic:
		withBack := tariff.Code(draft.TariffCode) == tariff.Standard
		return c.Edit("Выберите пакет трафика:", storefront.BuildTrafficPanel(h.cfg.Pricing.TrafficPackages, withBack))
	case checkout.StepDevices:
		return c.Edit("Сколько устройств подключить?", storefront.BuildDevicesPanel(&h.cfg.Pricing, draft.ModemEnabled))
	default:
		return h.showQuote(c, userID, draft.TariffCode)
	}
}

// HandleCallback routes the wizard button presses.
func (h *SubscriptionHandler) HandleCallback(c tele.Context, data string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	user, err := h.accountService.GetByTelegramID(ctx, sender.ID)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Сначала отправьте /start", ShowAlert: true})
	}

	switch {
	case strings.HasPrefix(data, storefront.CallbackTariff):
		code := tariff.Normalize(ctx, strings.TrimPrefix(data, storefront.CallbackTariff))
		return h.startWizard(c, user.ID, code, false)

	case data == storefront.CallbackTrial:
		return h.handleTrial(c, user.ID)

	case strings.HasPrefix(data, storefront.CallbackPeriod):
		days, err := strconv.Atoi(strings.TrimPrefix(data, storefront.CallbackPeriod))
		if err != nil {
			return nil
		}
		if _, err := h.purchaseService.SelectPeriod(ctx, user.ID, days); err != nil {
			return h.wizardError(c, err)
		}
		return c.Edit("Выберите пакет трафика:", storefront.BuildTrafficPanel(h.cfg.Pricing.TrafficPackages, true))

	case strings.HasPrefix(data, storefront.CallbackTraffic):
		gb, err := strconv.Atoi(strings.TrimPrefix(data, storefront.CallbackTraffic))
		if err != nil {
			return nil
		}
		draft, err := h.purchaseService.SelectTraffic(ctx, user.ID, gb)
		if err != nil {
			return h.wizardError(c, err)
		}
		if draft.Step == checkout.StepDevices {
			return c.Edit("Сколько устройств подключить?", storefront.BuildDevicesPanel(&h.cfg.Pricing, draft.ModemEnabled))
		}
		return h.showQuote(c, user.ID, draft.TariffCode)

	case data == storefront.CallbackModem:
		draft, err := h.purchaseService.ToggleModem(ctx, user.ID)
		if err != nil {
			return h.wizardError(c, err)
		}
		return c.Edit("Сколько устройств подключить?", storefront.BuildDevicesPanel(&h.cfg.Pricing, draft.ModemEnabled))

	case strings.HasPrefix(data, storefront.CallbackDevices):
		n, err := strconv.Atoi(strings.TrimPrefix(data, storefront.CallbackDevices))
		if err != nil {
			return nil
		}
		draft, err := h.purchaseService.SelectDevices(ctx, user.ID, n)
		if err != nil {
			return h.wizardError(c, err)
		}
		return h.showQuote(c, user.ID, draft.TariffCode)

	case strings.HasPrefix(data, storefront.CallbackConfirm):
		token := strings.TrimPrefix(data, storefront.CallbackConfirm)
		return h.handleConfirm(c, user.ID, token)

	case data == storefront.CallbackBack:
		draft, err := h.purchaseService.StepBack(ctx, user.ID)
		if err != nil {
			return h.wizardError(c, err)
		}
		return h.renderStep(c, user.ID, draft)

	case data == storefront.CallbackCancel:
		_ = h.purchaseService.CancelDraft(ctx, user.ID)
		return c.Edit("Оформление отменено. Отправьте /start, чтобы начать заново.")
	}

	return nil
}

func (h *SubscriptionHandler) showQuote(c tele.Context, userID int64, tariffCode string) error {
	ctx := context.Background()

	breakdown, token, err := h.purchaseService.Quote(ctx, userID)
	if err != nil {
		return h.wizardError(c, err)
	}

	text := storefront.FormatBreakdown(tariffCode, breakdown)
	markup := storefront.BuildConfirmPanel(token)
	if c.Callback() == nil {
		// Command entry, nothing to edit yet
		return c.Send(text, markup)
	}
	return c.Edit(text, markup)
}

func (h *SubscriptionHandler) handleConfirm(c tele.Context, userID int64, token string) error {
	ctx := context.Background()

	result, err := h.purchaseService.Confirm(ctx, userID, token)
	if err != nil {
		var short *service.InsufficientFundsError
		switch {
		case errors.As(err, &short):
			return c.Edit(fmt.Sprintf(
				"💳 Не хватает %s. Пополните баланс — заказ сохранён и завершится автоматически.",
				storefront.FormatKopeks(short.MissingKopeks),
			))
		case errors.Is(err, service.ErrInvalidToken):
			return c.Respond(&tele.CallbackResponse{Text: "Эта кнопка уже использована", ShowAlert: true})
		case errors.Is(err, service.ErrPriceChanged):
			return c.Edit("⚠️ Цена изменилась. Начните оформление заново: /buy")
		case errors.Is(err, service.ErrPurchaseRestricted):
			return c.Edit("🚫 Покупки для вашего аккаунта ограничены. Обратитесь в поддержку.")
		case errors.Is(err, service.ErrUserBlocked):
			return c.Edit("🚫 Ваш аккаунт заблокирован. Обратитесь в поддержку.")
		default:
			log.Error().Err(err).Int64("user_id", userID).Msg("Purchase failed")
			return c.Edit("❌ Не получилось завершить покупку, попробуйте позже")
		}
	}

	msg := fmt.Sprintf(
		"✅ Оплачено %s!\n\n%s",
		storefront.FormatKopeks(result.Breakdown.TotalKopeks),
		storefront.FormatSubscription(result.Subscription),
	)
	return c.Edit(msg)
}

func (h *SubscriptionHandler) handleTrial(c tele.Context, userID int64) error {
	ctx := context.Background()

	sub, err := h.purchaseService.GrantTrial(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrTrialUnavailable) {
			return c.Respond(&tele.CallbackResponse{Text: "Пробный период недоступен", ShowAlert: true})
		}
		if errors.Is(err, service.ErrUserBlocked) {
			return c.Respond(&tele.CallbackResponse{Text: "Ваш аккаунт заблокирован", ShowAlert: true})
		}
		log.Error().Err(err).Int64("user_id", userID).Msg("Trial grant failed")
		return c.Edit("❌ Не получилось выдать пробный период, попробуйте позже")
	}

	return c.Edit("🎁 Пробный период активирован!\n\n" + storefront.FormatSubscription(sub))
}

func (h *SubscriptionHandler) wizardError(c tele.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNoDraft):
		return c.Edit("Оформление устарело. Начните заново: /buy")
	case errors.Is(err, service.ErrUnknownPeriod),
		errors.Is(err, service.ErrUnknownTrafficPackage),
		errors.Is(err, service.ErrInvalidDeviceCount):
		return c.Respond(&tele.CallbackResponse{Text: "Такого варианта нет", ShowAlert: true})
	default:
		log.Error().Err(err).Msg("Checkout step failed")
		return c.Respond(&tele.CallbackResponse{Text: "Ошибка, попробуйте ещё раз", ShowAlert: true})
	}
}
