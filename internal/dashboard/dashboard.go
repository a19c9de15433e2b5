// Package dashboard is a terminal monitor for a running recallguard daemon.
//
// It polls the daemon's retrieval summary and engine status and renders
// poisoning exposure, trust-source mix, hot queries, index freshness and
// the last audit sweep.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
	"github.com/fyrsmithlabs/recallguard/internal/monitor"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	topQueries      = 5
	queryWidth      = 36
)

// Source is what the dashboard polls. *client.Client satisfies it.
type Source interface {
	Summary(ctx context.Context) (*monitor.Summary, error)
	Status(ctx context.Context) (*engine.Status, error)
}

// Options tunes polling and alert thresholds.
type Options struct {
	// Interval between automatic refreshes.
	Interval time.Duration
	// Timeout bounds one refresh.
	Timeout time.Duration
	// WarnRate and CritRate are poison-rate thresholds for the status badge.
	WarnRate float64
	CritRate float64
}

// DefaultOptions polls every 2s and warns above 5% exposure.
func DefaultOptions() Options {
	return Options{
		Interval: 2 * time.Second,
		Timeout:  5 * time.Second,
		WarnRate: 0.05,
		CritRate: 0.20,
	}
}

// Snapshot is one poll of the daemon.
type Snapshot struct {
	Summary monitor.Summary
	Status  engine.Status
}

// lowTrustReturned counts returned items from unverified or quarantined
// experiences.
func (s Snapshot) lowTrustReturned() int {
	n := 0
	for src, count := range s.Summary.ReturnedBySource {
		if src.LowTrust() {
			n += count
		}
	}
	return n
}

// Model represents the BubbleTea dashboard model
type Model struct {
	source     Source
	target     string
	opts       Options
	lastUpdate time.Time
	snap       *Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	// Cumulative poison rate per poll.
	rateHistory []float64
	// Poison rate of the retrievals made since the previous poll.
	windowHistory []float64
	// Retrieval events per poll.
	eventHistory []float64

	exposure progress.Model
	mix      progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling src. target names the daemon in the
// header and error view.
func NewModel(src Source, target string, opts Options) Model {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.WarnRate <= 0 {
		opts.WarnRate = def.WarnRate
	}
	if opts.CritRate <= 0 {
		opts.CritRate = def.CritRate
	}
	if opts.CritRate < opts.WarnRate {
		opts.CritRate = opts.WarnRate
	}

	return Model{
		source:        src,
		target:        target,
		opts:          opts,
		now:           time.Now,
		rateHistory:   make([]float64, 0, historySize),
		windowHistory: make([]float64, 0, historySize),
		eventHistory:  make([]float64, 0, historySize),
		exposure: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		mix: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
	}
}

// rateBadge returns a colored status badge for a poison rate.
func (m Model) rateBadge(rate float64) string {
	switch {
	case rate < m.opts.WarnRate:
		return healthyStyle.Render("[✓]")
	case rate < m.opts.CritRate:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// statusBadge returns the overall badge: exposure first, then sweep errors.
func (m Model) statusBadge() string {
	if m.snap == nil {
		return dimStyle.Render("… WAITING")
	}
	rate := m.snap.Summary.PoisonRate
	switch {
	case rate >= m.opts.CritRate:
		return errorStyle.Render("✗ EXPOSED")
	case rate >= m.opts.WarnRate || m.snap.Status.LastSweepErr != "":
		return warningStyle.Render("⚠ WARN")
	}
	return healthyStyle.Render("✓ HEALTHY")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.opts.Interval),
		m.fetch(),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the summary and status concurrently.
func (m Model) fetch() tea.Cmd {
	src, timeout := m.source, m.opts.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var (
			sum *monitor.Summary
			st  *engine.Status
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			sum, err = src.Summary(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			st, err = src.Status(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return errMsg{err}
		}
		return snapshotMsg{Summary: *sum, Status: *st}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.opts.Interval),
			m.fetch(),
		)

	case snapshotMsg:
		next := Snapshot(msg)
		m.record(next)
		m.snap = &next
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// record updates the histories with the delta from the previous snapshot.
// Counters going backwards mean the daemon restarted, so the full totals
// are taken as the delta.
func (m *Model) record(next Snapshot) {
	m.rateHistory = appendToHistory(m.rateHistory, next.Summary.PoisonRate)

	events, returned, low := next.Summary.TotalEvents, next.Summary.TotalReturned, next.lowTrustReturned()
	if prev := m.snap; prev != nil && prev.Summary.TotalEvents <= events && prev.Summary.TotalReturned <= returned {
		events -= prev.Summary.TotalEvents
		returned -= prev.Summary.TotalReturned
		low -= prev.lowTrustReturned()
	}
	window := 0.0
	if returned > 0 && low > 0 {
		window = float64(low) / float64(returned)
	}
	m.windowHistory = appendToHistory(m.windowHistory, window)
	m.eventHistory = appendToHistory(m.eventHistory, float64(events))
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("recallguard Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach recallguard daemon") + "\n")
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n")
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Please ensure:") + "\n")
	b.WriteString(dimStyle.Render("  1. recallguard serve is running") + "\n")
	b.WriteString(dimStyle.Render("  2. --server points at its http_host:http_port") + "\n")
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" recallguard Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		m.statusBadge(),
		dimStyle.Render(m.target),
		dimStyle.Render(lastUpdateStr)))

	if m.snap == nil {
		b.WriteString("\n" + dimStyle.Render("  waiting for first poll…") + "\n")
	} else {
		m.renderRetrievals(&b)
		m.renderSources(&b)
		m.renderQueries(&b)
		m.renderIndex(&b)
		m.renderAudit(&b)
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.opts.Interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderRetrievals(b *strings.Builder) {
	sum := m.snap.Summary
	b.WriteString("\n" + sectionStyle.Render("┃ Retrievals") + "\n")

	b.WriteString(labelStyle.Render("  Events: ") +
		valueStyle.Render(FormatCount(sum.TotalEvents)) +
		dimStyle.Render("  returned ") + valueStyle.Render(FormatCount(sum.TotalReturned)) +
		dimStyle.Render("  filtered ") + valueStyle.Render(FormatCount(sum.TotalFiltered)) +
		"   " + createSparkline(m.eventHistory) + "\n")

	b.WriteString(labelStyle.Render("  Poison rate: ") +
		valueStyle.Render(FormatPercentage(sum.PoisonRate)) +
		" " + m.rateBadge(sum.PoisonRate) +
		"   " + createSparkline(m.rateHistory) + "\n")

	window := 0.0
	if n := len(m.windowHistory); n > 0 {
		window = m.windowHistory[n-1]
	}
	b.WriteString(labelStyle.Render("  Since last poll: ") +
		valueStyle.Render(FormatPercentage(window)) +
		" " + m.rateBadge(window) +
		"   " + createSparkline(m.windowHistory) + "\n")

	b.WriteString(labelStyle.Render("  Exposure: ") +
		m.exposure.ViewAs(clamp(sum.PoisonRate)) +
		" " + dimStyle.Render(FormatPercentage(sum.PoisonRate)) + "\n")
}

func (m Model) renderSources(b *strings.Builder) {
	sum := m.snap.Summary
	b.WriteString("\n" + sectionStyle.Render("┃ Returned by Source") + "\n")
	for _, src := range []experience.Source{
		experience.SourceVerified,
		experience.SourceUnverified,
		experience.SourceQuarantined,
	} {
		n := sum.ReturnedBySource[src]
		share := 0.0
		if sum.TotalReturned > 0 {
			share = float64(n) / float64(sum.TotalReturned)
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-12s", string(src)+":")) +
			m.mix.ViewAs(clamp(share)) +
			" " + valueStyle.Render(FormatCount(n)) + "\n")
	}
}

func (m Model) renderQueries(b *strings.Builder) {
	b.WriteString("\n" + sectionStyle.Render("┃ Top Queries") + "\n")
	queries := append([]monitor.QueryStat(nil), m.snap.Summary.TopQueries...)
	if len(queries) == 0 {
		b.WriteString(dimStyle.Render("  no retrievals yet") + "\n")
		return
	}
	sort.SliceStable(queries, func(i, j int) bool { return queries[i].Count > queries[j].Count })
	if len(queries) > topQueries {
		queries = queries[:topQueries]
	}
	for _, q := range queries {
		b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			valueStyle.Render(fmt.Sprintf("%-*s", queryWidth, Truncate(q.Query, queryWidth))),
			dimStyle.Render(fmt.Sprintf("×%-4d", q.Count)),
			labelStyle.Render(FormatPercentage(q.PoisonRate)),
			m.rateBadge(q.PoisonRate)))
	}
}

func (m Model) renderIndex(b *strings.Builder) {
	st := m.snap.Status
	b.WriteString("\n" + sectionStyle.Render("┃ Index") + "\n")
	b.WriteString(labelStyle.Render("  Experiences: ") + valueStyle.Render(FormatCount(st.Experiences)) +
		dimStyle.Render("  version ") + valueStyle.Render(fmt.Sprintf("%d", st.IndexVersion)) + "\n")

	embeddings := "off"
	if st.Embeddings {
		embeddings = "on"
	}
	pending := valueStyle.Render(FormatCount(st.PendingDocs))
	if st.PendingDocs > 0 {
		pending = warningStyle.Render(FormatCount(st.PendingDocs))
	}
	b.WriteString(labelStyle.Render("  Documents: ") + valueStyle.Render(FormatCount(st.IndexedDocs)) +
		dimStyle.Render("  vectors ") + valueStyle.Render(FormatCount(st.IndexedVecs)) +
		dimStyle.Render("  pending ") + pending +
		dimStyle.Render("  embeddings ") + valueStyle.Render(embeddings) + "\n")
}

func (m Model) renderAudit(b *strings.Builder) {
	st := m.snap.Status
	b.WriteString("\n" + sectionStyle.Render("┃ Audit") + "\n")

	patterns := st.PatternSet
	if patterns == "" {
		patterns = "(none)"
	}
	b.WriteString(labelStyle.Render("  Pattern set: ") + valueStyle.Render(patterns) + "\n")

	matches := healthyStyle.Render("0")
	if st.LastSweepHits > 0 {
		matches = warningStyle.Render(FormatCount(st.LastSweepHits))
	}
	b.WriteString(labelStyle.Render("  Last sweep: ") + valueStyle.Render(FormatAge(st.LastSweep, m.now())) +
		dimStyle.Render("  matches ") + matches + "\n")
	if st.LastSweepErr != "" {
		b.WriteString(labelStyle.Render("  Sweep error: ") + errorStyle.Render(st.LastSweepErr) + "\n")
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Run starts the dashboard on the terminal and blocks until the user quits.
func Run(src Source, target string, opts Options) error {
	p := tea.NewProgram(NewModel(src, target, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
