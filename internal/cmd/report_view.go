package cmd

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

type reportStyles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	label    lipgloss.Style
	value    lipgloss.Style
	money    lipgloss.Style
	section  lipgloss.Style
	empty    lipgloss.Style
	barFill  lipgloss.Style
	barEmpty lipgloss.Style
	stage    map[string]lipgloss.Style
}

func newReportStyles() reportStyles {
	return reportStyles{
		title:    lipgloss.NewStyle().Bold(true),
		header:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Width(22),
		value:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		money:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114")),
		section:  lipgloss.NewStyle().MarginTop(1),
		empty:    lipgloss.NewStyle().Faint(true),
		barFill:  lipgloss.NewStyle().Foreground(lipgloss.Color("159")),
		barEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
		stage: map[string]lipgloss.Style{
			scrapemeter.StageAcquisition: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
			scrapemeter.StageConversion:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("221")),
			scrapemeter.StageScale:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114")),
		},
	}
}

// stageAdvice is printed under the growth stage
var stageAdvice = map[string][]string{
	scrapemeter.StageAcquisition: {
		"Focus on user acquisition",
		"Promote the free tier to drive signups",
	},
	scrapemeter.StageConversion: {
		"Focus on free-to-paid conversion",
		"Add features that justify the paid tiers",
	},
	scrapemeter.StageScale: {
		"Scale customer acquisition",
		"Look at enterprise features and partnerships",
	},
}

func renderReport(snap *scrapemeter.Snapshot, report *scrapemeter.RevenueReport, s reportStyles) string {
	lines := []string{
		s.title.Render("Revenue Report"),
		s.header.Render("generated " + report.GeneratedAt.UTC().Format("2006-01-02 15:04 MST")),
		s.section.Render(renderOverview(snap, report, s)),
		s.section.Render(renderRevenue(report, s)),
		s.section.Render(renderUsage(report, s)),
		s.section.Render(renderStage(report, s)),
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderOverview(snap *scrapemeter.Snapshot, report *scrapemeter.RevenueReport, s reportStyles) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(label), value)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		s.title.Render("Overview"),
		row("revenue (30 days)", s.money.Render(snap.MonthlyRevenue.String())),
		row("projected MRR", s.money.Render(snap.ProjectedMRR.String())),
		row("current MRR", s.money.Render(report.CurrentMRR.String())),
		row("users", s.value.Render(fmt.Sprintf("%d", snap.TotalUsers))),
		row("API calls (24h)", s.value.Render(fmt.Sprintf("%d", snap.DailyAPICalls))),
		row("break-even "+report.BreakEvenMRR.String(), progressBar(report.BreakEvenProgress, 24, s)),
		row("target "+report.TargetMRR.String(), progressBar(report.TargetProgress, 24, s)),
	)
}

func renderRevenue(report *scrapemeter.RevenueReport, s reportStyles) string {
	lines := []string{s.title.Render("Revenue by tier (30 days)")}
	if len(report.Revenue) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.empty.Render("No payments in the window."))...)
	}
	lines = append(lines, s.header.Render(fmt.Sprintf("%-14s %11s %12s %12s", "tier", "subscribers", "total", "avg/user")))
	for _, l := range report.Revenue {
		lines = append(lines, s.value.Render(fmt.Sprintf("%-14s %11d %12s %12s",
			l.Tier, l.Subscribers, l.Total, l.Average)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderUsage(report *scrapemeter.RevenueReport, s reportStyles) string {
	lines := []string{s.title.Render("Usage by tier (7 days)")}
	if len(report.Usage) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.empty.Render("No accounts yet."))...)
	}
	lines = append(lines, s.header.Render(fmt.Sprintf("%-14s %10s %14s %14s", "tier", "api calls", "avg bytes", "requests used")))
	for _, l := range report.Usage {
		lines = append(lines, s.value.Render(fmt.Sprintf("%-14s %10d %14d %14d",
			l.Tier, l.APICalls, l.AverageResponseSize, l.RequestsUsed)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderStage(report *scrapemeter.RevenueReport, s reportStyles) string {
	style, ok := s.stage[report.Stage]
	if !ok {
		style = s.value
	}
	lines := []string{lipgloss.JoinHorizontal(lipgloss.Top, s.title.Render("Stage: "), style.Render(report.Stage))}
	for _, advice := range stageAdvice[report.Stage] {
		lines = append(lines, s.value.Render("  - "+advice))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func progressBar(percent float64, width int, s reportStyles) string {
	if width <= 0 {
		return ""
	}
	p := math.Max(0, math.Min(100, percent))
	filled := int(math.Round(p / 100 * float64(width)))
	bar := s.barFill.Render(strings.Repeat("█", filled)) + s.barEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, p)
}
