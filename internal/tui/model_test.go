package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/openmined/portal/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func testOpts() *Opts {
	return &Opts{
		Title: "Portal",
		Role:  "host",
		Key:   "abc",
		Tree: func() []registry.TreeEntry {
			return []registry.TreeEntry{
				{Indent: 0, Name: "docs", IsDir: true, Status: registry.StatusSynced},
				{Indent: 2, Name: "nested.md", Status: registry.StatusSynced},
				{Indent: 0, Name: "top.txt", Status: registry.StatusUnsynced},
			}
		},
		Errors: func() []*registry.Error { return nil },
		Ready:  func() bool { return true },
	}
}

func TestModelCollapsedAndFullTree(t *testing.T) {
	m := newModel(testOpts())

	view := m.View()
	assert.Contains(t, view, "docs/")
	assert.Contains(t, view, "top.txt")
	assert.NotContains(t, view, "nested.md")
	assert.Contains(t, view, "3 entries · 2 synced")

	next, _ := m.Update(key("t"))
	assert.Contains(t, next.View(), "nested.md")
}

func TestModelWaitingSpinner(t *testing.T) {
	opts := testOpts()
	opts.Role = "join"
	opts.Ready = func() bool { return false }

	assert.Contains(t, newModel(opts).View(), txtWaitingJoin)
}

func TestModelShowsRecentErrors(t *testing.T) {
	opts := testOpts()
	opts.Errors = func() []*registry.Error {
		var errs []*registry.Error
		for i := 0; i < maxErrors+2; i++ {
			errs = append(errs, &registry.Error{Source: registry.SourceTransfer, Message: string(rune('a' + i))})
		}
		return errs
	}

	view := newModel(opts).View()
	assert.Contains(t, view, "[transfer] g")
	assert.NotContains(t, view, "[transfer] a")
}

func TestModelSyncKey(t *testing.T) {
	opts := testOpts()
	called := 0
	opts.OnSync = func() []*registry.Transfer {
		called++
		return nil
	}

	m := newModel(opts)
	next, cmd := m.Update(key("s"))
	assert.Equal(t, 1, called)
	require.NotNil(t, cmd)

	done, ok := cmd().(transferDoneMsg)
	require.True(t, ok)
	assert.Equal(t, "sync", done.kind)
	assert.NoError(t, done.err)

	next, _ = next.Update(done)
	assert.Contains(t, next.View(), "sync of 3 entries complete")

	next, _ = next.Update(transferDoneMsg{kind: "download", err: errors.New("boom")})
	assert.Contains(t, next.View(), "download finished with errors")
}

func TestModelQuit(t *testing.T) {
	_, cmd := newModel(testOpts()).Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelRerender(t *testing.T) {
	rr := NewRerenderer()
	opts := testOpts()
	opts.Renders = rr.C()
	size := 1
	opts.Tree = func() []registry.TreeEntry {
		return make([]registry.TreeEntry, size)
	}

	m := newModel(opts)
	size = 4
	rr.Notify()
	rr.Notify() // coalesced

	msg := m.waitForRender()()
	next, _ := m.Update(msg)
	assert.Len(t, next.(model).tree, 4)
	assert.Len(t, rr.C(), 0)
}

func TestModelTransferStats(t *testing.T) {
	assert.NotContains(t, newModel(testOpts()).View(), "transferred")

	opts := testOpts()
	total := int64(2_000_000)
	opts.Stats = func() registry.TransferStats {
		return registry.TransferStats{TotalBytes: total, BytesPerSecond: 1500}
	}

	m := newModel(opts)
	view := m.View()
	assert.Contains(t, view, "2.0 MB transferred")
	assert.Contains(t, view, "1.5 kB/s")

	// each tick re-reads the meter and schedules the next one
	total = 3_000_000
	next, cmd := m.Update(statsTickMsg{})
	assert.NotNil(t, cmd)
	assert.Contains(t, next.View(), "3.0 MB transferred")
}
