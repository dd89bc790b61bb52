package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/model"
	"telegram-vpn-bot/internal/repository"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/internal/storefront"
)

// ContestHandler handles contest rounds: button picks via callbacks and
// text answers via /answer.
type ContestHandler struct {
	accountService *service.AccountService
	contestService *service.ContestService
}

// NewContestHandler creates a new ContestHandler.
func NewContestHandler(accountService *service.AccountService, contestService *service.ContestService) *ContestHandler {
	return &ContestHandler{
		accountService: accountService,
		contestService: contestService,
	}
}

// HandleAnswer handles "/answer <round_id> <text>" for text rounds.
func (h *ContestHandler) HandleAnswer(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	args := c.Args()
	if len(args) < 2 {
		return c.Reply("Формат: /answer <номер розыгрыша> <ответ>")
	}
	roundID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Reply("Формат: /answer <номер розыгрыша> <ответ>")
	}
	answer := strings.Join(args[1:], " ")

	username, fullName := senderName(sender)
	user, _, err := h.accountService.EnsureUser(ctx, sender.ID, username, fullName)
	if err != nil {
		return c.Reply("❌ Что-то пошло не так, попробуйте позже")
	}

	result, err := h.contestService.Play(ctx, roundID, user.ID, answer)
	if err != nil {
		return c.Reply(h.playErrorText(err))
	}
	return c.Reply(h.resultText(result))
}

// HandlePickCallback handles a button press in a button round. The data
// carries "<round_id>:<button>".
func (h *ContestHandler) HandlePickCallback(c tele.Context, data string) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	roundID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil
	}

	username, fullName := senderName(sender)
	user, _, err := h.accountService.EnsureUser(ctx, sender.ID, username, fullName)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Ошибка, попробуйте позже", ShowAlert: true})
	}

	result, err := h.contestService.Play(ctx, roundID, user.ID, parts[1])
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: h.playErrorText(err), ShowAlert: true})
	}
	return c.Respond(&tele.CallbackResponse{Text: h.resultText(result), ShowAlert: true})
}

func (h *ContestHandler) playErrorText(err error) string {
	switch {
	case errors.Is(err, service.ErrAlreadyAttempted):
		return "Вы уже участвовали в этом розыгрыше"
	case errors.Is(err, repository.ErrRoundNotFound):
		return "Такого розыгрыша нет"
	case errors.Is(err, service.ErrUnknownGameType):
		return "Этот розыгрыш больше не поддерживается"
	case errors.Is(err, service.ErrUserBlocked):
		return "Ваш аккаунт заблокирован"
	default:
		log.Error().Err(err).Msg("Contest attempt failed")
		return "Ошибка, попробуйте позже"
	}
}

func (h *ContestHandler) resultText(result *service.PlayResult) string {
	if result.Won {
		return "🎉 Победа! " + prizeText(result.Prize)
	}
	if result.SlotsFull {
		return "Ответ верный, но призы уже разобрали 😔"
	}
	return "Увы, не в этот раз"
}

func prizeText(round *model.ContestRound) string {
	switch round.PrizeType {
	case model.PrizeTypeDays:
		return fmt.Sprintf("Ваша подписка продлена на %d дней.", round.PrizeValue)
	case model.PrizeTypeTrafficGB:
		return fmt.Sprintf("Вам начислено %d ГБ трафика.", round.PrizeValue)
	case model.PrizeTypeBalance:
		return fmt.Sprintf("Вам начислено %s.", storefront.FormatKopeks(round.PrizeValue))
	default:
		return "С вами свяжется администратор для вручения приза."
	}
}

// AnnounceRound posts a round to a chat with its play controls.
func (h *ContestHandler) AnnounceRound(c tele.Context, round *model.ContestRound) error {
	msg := fmt.Sprintf("🎲 Розыгрыш №%d! Призовых мест: %d\n", round.ID, round.MaxWinners)

	if round.GameType == "button_pick" {
		var payload struct {
			Buttons int `json:"buttons"`
		}
		if err := json.Unmarshal([]byte(round.Payload), &payload); err != nil || payload.Buttons < 1 {
			return fmt.Errorf("bad button round payload: %s", round.Payload)
		}
		msg += "Выберите кнопку:"
		return c.Send(msg, storefront.BuildContestPanel(round.ID, payload.Buttons))
	}

	msg += fmt.Sprintf("Ответьте командой: /answer %d <ваш ответ>", round.ID)
	return c.Send(msg)
}
