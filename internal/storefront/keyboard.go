// Package storefront builds the inline keyboards and messages of the
// subscription storefront.
package storefront

import (
	"fmt"
	"sort"

	tele "gopkg.in/telebot.v3"

	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/pkg/tariff"
)

// Callback data prefixes
const (
	CallbackTariff  = "buy_tariff:"  // buy_tariff:standard
	CallbackPeriod  = "buy_period:"  // buy_period:30
	CallbackTraffic = "buy_traffic:" // buy_traffic:50
	CallbackDevices = "buy_devices:" // buy_devices:2
	CallbackModem   = "buy_modem"    // toggle
	CallbackConfirm = "buy_confirm:" // buy_confirm:<token>
	CallbackBack    = "buy_back"
	CallbackCancel  = "buy_cancel"
	CallbackTrial   = "trial"
	CallbackPick    = "contest_pick:" // contest_pick:<round>:<n>
)

// BuildTariffPanel offers the two tariffs and, when available, the trial.
func BuildTariffPanel(trialAvailable bool) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	rows := []tele.Row{
		markup.Row(markup.Data("🔵 Стандарт — по времени", CallbackTariff+tariff.Standard.String())),
		markup.Row(markup.Data("⚪ Белый — по трафику", CallbackTariff+tariff.White.String())),
	}
	if trialAvailable {
		rows = append(rows, markup.Row(markup.Data("🎁 Пробный период", CallbackTrial)))
	}

	markup.Inline(rows...)
	return markup
}

// BuildPeriodPanel lists the configured periods, shortest first.
func BuildPeriodPanel(periods map[int]int64) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	days := make([]int, 0, len(periods))
	for d := range periods {
		days = append(days, d)
	}
	sort.Ints(days)

	var rows []tele.Row
	for _, d := range days {
		label := fmt.Sprintf("%d дней — %s", d, FormatKopeks(periods[d]))
		rows = append(rows, markup.Row(markup.Data(label, fmt.Sprintf("%s%d", CallbackPeriod, d))))
	}
	rows = append(rows, markup.Row(markup.Data("❌ Отмена", CallbackCancel)))

	markup.Inline(rows...)
	return markup
}

// BuildTrafficPanel lists the configured traffic packages, smallest first.
// The zero package stands for unlimited and sorts last. withBack is false
// when traffic is the first step of the flow.
func BuildTrafficPanel(packages map[int]int64, withBack bool) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	sizes := make([]int, 0, len(packages))
	for gb := range packages {
		sizes = append(sizes, gb)
	}
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i] == 0 {
			return false
		}
		if sizes[j] == 0 {
			return true
		}
		return sizes[i] < sizes[j]
	})

	var rows []tele.Row
	for _, gb := range sizes {
		name := fmt.Sprintf("%d ГБ", gb)
		if gb == 0 {
			name = "Безлимит"
		}
		label := fmt.Sprintf("%s — %s", name, FormatKopeks(packages[gb]))
		rows = append(rows, markup.Row(markup.Data(label, fmt.Sprintf("%s%d", CallbackTraffic, gb))))
	}
	rows = append(rows, navRow(markup, withBack))

	markup.Inline(rows...)
	return markup
}

// BuildDevicesPanel offers device counts up to the configured cap, three
// buttons per row, plus the modem toggle.
func BuildDevicesPanel(cfg *config.PricingConfig, modemEnabled bool) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	var current []tele.Btn
	for n := 1; n <= cfg.MaxDevices; n++ {
		label := fmt.Sprintf("%d", n)
		if n <= cfg.DevicesIncluded {
			label += " ✓"
		}
		current = append(current, markup.Data(label, fmt.Sprintf("%s%d", CallbackDevices, n)))
		if len(current) == 3 || n == cfg.MaxDevices {
			rows = append(rows, markup.Row(current...))
			current = nil
		}
	}

	modemLabel := "📡 Модем: выкл"
	if modemEnabled {
		modemLabel = "📡 Модем: вкл"
	}
	rows = append(rows, markup.Row(markup.Data(modemLabel, CallbackModem)))
	rows = append(rows, navRow(markup, true))

	markup.Inline(rows...)
	return markup
}

// BuildConfirmPanel shows the pay button bound to a one-shot token.
func BuildConfirmPanel(token string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(
		markup.Row(markup.Data("✅ Оплатить", CallbackConfirm+token)),
		navRow(markup, true),
	)
	return markup
}

func navRow(markup *tele.ReplyMarkup, withBack bool) tele.Row {
	if withBack {
		return markup.Row(
			markup.Data("⬅️ Назад", CallbackBack),
			markup.Data("❌ Отмена", CallbackCancel),
		)
	}
	return markup.Row(markup.Data("❌ Отмена", CallbackCancel))
}

// BuildContestPanel lays out the pick buttons of a button round.
func BuildContestPanel(roundID int64, buttons int) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	var current []tele.Btn
	for n := 0; n < buttons; n++ {
		current = append(current, markup.Data(
			fmt.Sprintf("%d", n+1),
			fmt.Sprintf("%s%d:%d", CallbackPick, roundID, n),
		))
		if len(current) == 4 || n == buttons-1 {
			rows = append(rows, markup.Row(current...))
			current = nil
		}
	}

	markup.Inline(rows...)
	return markup
}
