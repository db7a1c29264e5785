package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/utils"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// CallController is the in-call surface the call view drives.
type CallController interface {
	SetMuted(muted bool)
	SetSpeaker(on bool)
	EndCall(ctx context.Context) error
}

type statusMsg call.Status

type statusClosedMsg struct{}

// CallModel shows the live state of one call and maps keys to in-call
// controls. It quits once the call reaches a terminal state.
type CallModel struct {
	ctl      CallController
	updates  <-chan call.Status
	status   call.Status
	spinner  spinner.Model
	quitting bool
}

func NewCallModel(updates <-chan call.Status, ctl CallController) *CallModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle
	return &CallModel{ctl: ctl, updates: updates, spinner: s}
}

// Final is the last status the view saw.
func (m *CallModel) Final() call.Status { return m.status }

func (m *CallModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *CallModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		st, ok := <-m.updates
		if !ok {
			return statusClosedMsg{}
		}
		return statusMsg(st)
	}
}

func (m *CallModel) hangUp() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.ctl.EndCall(ctx)
		return nil
	}
}

func (m *CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "m":
			m.ctl.SetMuted(!m.status.Muted)
		case "s":
			m.ctl.SetSpeaker(!m.status.Speaker)
		case "h", "q", "ctrl+c":
			return m, m.hangUp()
		}
		return m, nil

	case statusMsg:
		m.status = call.Status(msg)
		if m.status.State.Terminal() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.listenForUpdates()

	case statusClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *CallModel) View() string {
	if m.quitting {
		return ""
	}
	st := m.status

	var b strings.Builder
	peer := displayName(st.PeerName, st.PeerID)
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s %s", IconCall, peer)))
	b.WriteString("\n")

	state := CallStateStyle(st.State).Render(st.State.String())
	switch {
	case st.State == call.StateConnected && st.Reconnecting:
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), WarningStyle.Render("Reconnecting...")))
	case st.State == call.StateConnected:
		b.WriteString(fmt.Sprintf("%s %s %s\n", state, IconTime, BoldStyle.Render(utils.FormatClock(st.Duration))))
	default:
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), state))
	}

	mic := IconMic + " on"
	if st.Muted {
		mic = IconMuted + " muted"
	}
	out := IconEarpiece + " earpiece"
	if st.Speaker {
		out = IconSpeaker + " speaker"
	}
	b.WriteString(fmt.Sprintf("\n%s   %s", mic, out))
	if st.Network != "" {
		b.WriteString(fmt.Sprintf("   %s %s", IconNetwork, st.Network))
	}
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render("m mute · s speaker · h hang up"))
	return b.String()
}

// RunCallView shows the call until it ends and returns its final status.
func RunCallView(ctx context.Context, updates <-chan call.Status, ctl CallController) (call.Status, error) {
	model := NewCallModel(updates, ctl)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return model.Final(), fmt.Errorf("call view: %w", err)
	}
	return model.Final(), nil
}
