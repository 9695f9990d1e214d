// Package watch is the live dashboard behind `fieldsync watch`.
package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/orchardlog/fieldsync/internal/events"
	"github.com/orchardlog/fieldsync/internal/models"
)

// Source supplies the data shown on screen. *db.DB satisfies it.
type Source interface {
	PeekOrdered() ([]models.QueueItem, error)
	RecentRuns(limit int) ([]models.SyncRun, error)
}

// SyncFunc starts a manual run and blocks until it finishes.
type SyncFunc func() error

// MinWidth is the narrowest terminal the layout handles.
const MinWidth = 40

const runsShown = 5

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Items     []models.QueueItem
	Runs      []models.SyncRun
	Err       error
	Timestamp time.Time
}

// EventMsg wraps a sync lifecycle event forwarded from the manager.
type EventMsg struct{ Event events.Event }

// ConnectivityMsg reports a connectivity change.
type ConnectivityMsg struct{ Online bool }

type syncDoneMsg struct{ err error }

// Model is the Bubble Tea model for the watch dashboard.
type Model struct {
	src    Source
	syncFn SyncFunc

	Width  int
	Height int

	Items       []models.QueueItem
	Runs        []models.SyncRun
	Online      bool
	Syncing     bool
	LastEvent   string
	LastRefresh time.Time
	Err         error
	ShowHelp    bool

	ServerURL       string
	RefreshInterval time.Duration

	spinner spinner.Model
}

// NewModel creates a dashboard over src. syncFn may be nil to disable the
// sync key.
func NewModel(src Source, syncFn SyncFunc, serverURL string, online bool, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = headerStyle
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		src:             src,
		syncFn:          syncFn,
		Online:          online,
		ServerURL:       serverURL,
		RefreshInterval: interval,
		spinner:         sp,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.scheduleTick(), m.spinner.Tick)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Items = msg.Items
		m.Runs = msg.Runs
		m.Err = msg.Err
		m.LastRefresh = msg.Timestamp
		return m, nil

	case ConnectivityMsg:
		m.Online = msg.Online
		if msg.Online {
			m.LastEvent = "back online"
		} else {
			m.LastEvent = "connection lost"
		}
		return m, nil

	case EventMsg:
		return m.handleEvent(msg.Event)

	case syncDoneMsg:
		if msg.err != nil {
			m.Err = msg.err
		}
		return m, m.fetchData()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleEvent(ev events.Event) (tea.Model, tea.Cmd) {
	switch ev := ev.(type) {
	case events.SyncStart:
		m.Syncing = true
		m.LastEvent = fmt.Sprintf("sync started (%s)", ev.Trigger)
		return m, nil
	case events.SyncComplete:
		m.Syncing = false
		m.LastEvent = fmt.Sprintf("sync complete (%s): %d sent, %d failed, %d dead",
			ev.Trigger, ev.SuccessCount, ev.FailCount, ev.DeadCount)
		return m, m.fetchData()
	case events.SyncError:
		m.Syncing = false
		m.Err = ev.Err
		m.LastEvent = fmt.Sprintf("sync error (%s)", ev.Trigger)
		return m, m.fetchData()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.fetchData()
	case "s":
		if m.syncFn == nil || m.Syncing {
			return m, nil
		}
		fn := m.syncFn
		return m, func() tea.Msg { return syncDoneMsg{err: fn()} }
	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}
	return m, nil
}

// PendingCount is the number of items still to deliver.
func (m Model) PendingCount() int {
	var n int
	for _, item := range m.Items {
		if item.Status != models.StatusDead {
			n++
		}
	}
	return n
}

// DeadCount is the number of dead-lettered items.
func (m Model) DeadCount() int {
	return len(m.Items) - m.PendingCount()
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchData() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		return FetchData(src)
	}
}

// FetchData reads the queue and recent runs.
func FetchData(src Source) RefreshDataMsg {
	msg := RefreshDataMsg{Timestamp: time.Now()}
	items, err := src.PeekOrdered()
	if err != nil {
		msg.Err = err
		return msg
	}
	runs, err := src.RecentRuns(runsShown)
	if err != nil {
		msg.Err = err
	}
	msg.Items = items
	msg.Runs = runs
	return msg
}
