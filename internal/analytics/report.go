package analytics

import (
	"sort"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
)

// Report summarizes a set of archived closed trades.
type Report struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AverageWin    float64
	AverageLoss   float64
	Expectancy    float64
	MaxDrawdown   float64 // deepest peak-to-trough dip of cumulative P&L, in dollars

	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldTime      time.Duration

	ByCloseReason map[domain.CloseReason]ReasonStats
	DailyPnL      []DailyPnL
}

// ReasonStats groups outcomes by how the position was closed.
type ReasonStats struct {
	Count    int
	TotalPnL float64
}

// DailyPnL is one UTC day's realized result.
type DailyPnL struct {
	Day    time.Time
	PnL    float64
	Trades int
}

// Analyze computes a Report from the archive. Trades are processed in
// close-time order regardless of input order so the drawdown and streak
// figures are stable.
func Analyze(trades []*domain.ClosedTrade) *Report {
	report := &Report{
		ByCloseReason: make(map[domain.CloseReason]ReasonStats),
	}
	if len(trades) == 0 {
		return report
	}

	ordered := make([]*domain.ClosedTrade, len(trades))
	copy(ordered, trades)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ClosedAt.Before(ordered[j].ClosedAt)
	})

	var winPnL, lossPnL float64
	var cumulative, peak float64
	var consecutiveWins, consecutiveLosses int
	var totalHold time.Duration
	daily := make(map[time.Time]*DailyPnL)

	for _, trade := range ordered {
		report.TotalTrades++
		report.TotalPnL += trade.PnL
		totalHold += trade.ClosedAt.Sub(trade.OpenedAt)

		if trade.PnL > 0 {
			report.WinningTrades++
			winPnL += trade.PnL
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			report.LosingTrades++
			lossPnL += trade.PnL
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > report.MaxConsecutiveWins {
			report.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > report.MaxConsecutiveLosses {
			report.MaxConsecutiveLosses = consecutiveLosses
		}

		cumulative += trade.PnL
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > report.MaxDrawdown {
			report.MaxDrawdown = dd
		}

		stats := report.ByCloseReason[trade.CloseReason]
		stats.Count++
		stats.TotalPnL += trade.PnL
		report.ByCloseReason[trade.CloseReason] = stats

		day := trade.ClosedAt.UTC().Truncate(24 * time.Hour)
		if _, ok := daily[day]; !ok {
			daily[day] = &DailyPnL{Day: day}
		}
		daily[day].PnL += trade.PnL
		daily[day].Trades++
	}

	report.WinRate = float64(report.WinningTrades) / float64(report.TotalTrades)
	if report.WinningTrades > 0 {
		report.AverageWin = winPnL / float64(report.WinningTrades)
	}
	if report.LosingTrades > 0 {
		report.AverageLoss = lossPnL / float64(report.LosingTrades)
	}
	report.Expectancy = report.WinRate*report.AverageWin + (1-report.WinRate)*report.AverageLoss
	report.AverageHoldTime = totalHold / time.Duration(report.TotalTrades)

	report.DailyPnL = make([]DailyPnL, 0, len(daily))
	for _, d := range daily {
		report.DailyPnL = append(report.DailyPnL, *d)
	}
	sort.Slice(report.DailyPnL, func(i, j int) bool {
		return report.DailyPnL[i].Day.Before(report.DailyPnL[j].Day)
	})

	return report
}

// CloseReasons returns the breakdown keys in a stable order.
func (r *Report) CloseReasons() []domain.CloseReason {
	reasons := make([]domain.CloseReason, 0, len(r.ByCloseReason))
	for reason := range r.ByCloseReason {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return string(reasons[i]) < string(reasons[j])
	})
	return reasons
}
