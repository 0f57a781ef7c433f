package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/openmined/portal/internal/registry"
)

// Strings
const (
	txtWaitingHost = "Scanning local directory..."
	txtWaitingJoin = "Replaying session history..."
	txtHelp        = "s sync · d download · t toggle tree · q quit"
	maxErrors      = 5
	statsInterval  = time.Second
)

type Opts struct {
	Title    string
	Role     string
	Key      string
	Dir      string
	FullTree bool

	Tree       func() []registry.TreeEntry
	Errors     func() []*registry.Error
	Ready      func() bool
	LogLen     func() (int, error)
	OnSync     func() []*registry.Transfer
	OnDownload func() []*registry.Transfer
	Stats      func() registry.TransferStats

	// Renders is signalled whenever the tree changes. See Rerenderer.
	Renders <-chan struct{}
}

type model struct {
	opts    *Opts
	spinner spinner.Model

	fullTree bool
	tree     []registry.TreeEntry
	errors   []*registry.Error
	ready    bool
	logLen   int
	stats    registry.TransferStats
	notice   string
	width    int
}

// --- Messages ---
type rerenderMsg struct{}
type logLenMsg struct{ n int }
type statsTickMsg struct{}
type transferDoneMsg struct {
	kind  string
	count int
	err   error
	took  time.Duration
}

func newModel(opts *Opts) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := model{
		opts:     opts,
		spinner:  s,
		fullTree: opts.FullTree,
	}
	m.refresh()
	return m
}

// Run blocks until the user quits.
func Run(opts *Opts, programOpts ...tea.ProgramOption) error {
	_, err := tea.NewProgram(newModel(opts), programOpts...).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForRender(), m.fetchLogLen(), m.tickStats())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case rerenderMsg:
		m.refresh()
		return m, tea.Batch(m.waitForRender(), m.fetchLogLen())

	case logLenMsg:
		m.logLen = msg.n
		return m, nil

	case statsTickMsg:
		// the rate decays between transfers, so poll instead of waiting for a render
		m.stats = m.opts.Stats()
		return m, m.tickStats()

	case transferDoneMsg:
		m.refresh()
		if msg.err != nil {
			m.notice = errorStyle.Render(fmt.Sprintf("%s finished with errors", msg.kind))
		} else {
			m.notice = noticeStyle.Render(fmt.Sprintf("%s of %s entries complete in %s",
				msg.kind, humanize.Comma(int64(msg.count)), msg.took.Round(time.Millisecond)))
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "t":
		m.fullTree = !m.fullTree
		return m, nil
	case "s":
		return m.startTransfer("sync", m.opts.OnSync)
	case "d":
		return m.startTransfer("download", m.opts.OnDownload)
	}
	return m, nil
}

func (m model) startTransfer(kind string, start func() []*registry.Transfer) (tea.Model, tea.Cmd) {
	if start == nil {
		return m, nil
	}
	m.notice = keyStyle.Render(kind + " started")
	count := len(m.tree)
	begin := time.Now()
	transfers := start()
	return m, func() tea.Msg {
		err := registry.WaitAll(transfers)
		return transferDoneMsg{kind: kind, count: count, err: err, took: time.Since(begin)}
	}
}

func (m *model) refresh() {
	if m.opts.Tree != nil {
		m.tree = m.opts.Tree()
	}
	if m.opts.Errors != nil {
		m.errors = m.opts.Errors()
	}
	if m.opts.Ready != nil {
		m.ready = m.opts.Ready()
	}
	if m.opts.Stats != nil {
		m.stats = m.opts.Stats()
	}
}

func (m model) tickStats() tea.Cmd {
	if m.opts.Stats == nil {
		return nil
	}
	return tea.Tick(statsInterval, func(time.Time) tea.Msg {
		return statsTickMsg{}
	})
}

func (m model) waitForRender() tea.Cmd {
	if m.opts.Renders == nil {
		return nil
	}
	renders := m.opts.Renders
	return func() tea.Msg {
		if _, ok := <-renders; !ok {
			return nil
		}
		return rerenderMsg{}
	}
}

func (m model) fetchLogLen() tea.Cmd {
	if m.opts.LogLen == nil {
		return nil
	}
	logLen := m.opts.LogLen
	return func() tea.Msg {
		n, err := logLen()
		if err != nil {
			return nil
		}
		return logLenMsg{n: n}
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.opts.Title))
	b.WriteString(" ")
	b.WriteString(keyStyle.Render(m.opts.Role))
	b.WriteString("\n")
	if m.opts.Key != "" {
		b.WriteString(helpStyle.Render("key  ") + m.opts.Key + "\n")
	}
	if m.opts.Dir != "" {
		b.WriteString(helpStyle.Render("dir  ") + m.opts.Dir + "\n")
	}
	b.WriteString("\n")

	if !m.ready {
		waiting := txtWaitingHost
		if m.opts.Role == "join" {
			waiting = txtWaitingJoin
		}
		b.WriteString(m.spinner.View() + " " + waiting + "\n\n")
	}

	b.WriteString(m.renderTree())
	b.WriteString("\n")
	b.WriteString(m.renderSummary())
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString(m.notice + "\n")
	}
	if len(m.errors) > 0 {
		b.WriteString(m.renderErrors())
	}

	b.WriteString("\n" + helpStyle.Render(txtHelp) + "\n")
	return b.String()
}

func (m model) renderTree() string {
	var b strings.Builder
	for _, e := range m.tree {
		if !m.fullTree && e.Indent > 0 {
			continue
		}
		name := e.Name
		if e.IsDir {
			name = dirStyle.Render(name + "/")
		}
		fmt.Fprintf(&b, "%s%s %s\n",
			strings.Repeat(" ", e.Indent),
			statusStyle(e.Status).Render(statusIcon(e.Status)),
			name,
		)
	}
	return b.String()
}

func (m model) renderSummary() string {
	synced := 0
	for _, e := range m.tree {
		if e.Status == registry.StatusSynced {
			synced++
		}
	}
	summary := fmt.Sprintf("%s entries · %s synced · %s log entries",
		humanize.Comma(int64(len(m.tree))),
		humanize.Comma(int64(synced)),
		humanize.Comma(int64(m.logLen)),
	)
	if m.opts.Stats != nil {
		summary += fmt.Sprintf(" · %s transferred · %s/s",
			humanize.Bytes(uint64(m.stats.TotalBytes)),
			humanize.Bytes(uint64(m.stats.BytesPerSecond)),
		)
	}
	return helpStyle.Render(summary)
}

func (m model) renderErrors() string {
	var b strings.Builder
	errs := m.errors
	if len(errs) > maxErrors {
		errs = errs[len(errs)-maxErrors:]
	}
	b.WriteString(errorStyle.Bold(true).Render("Errors") + "\n")
	for _, err := range errs {
		b.WriteString(errorStyle.Render(err.String()) + "\n")
	}
	return b.String()
}
