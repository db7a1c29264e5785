package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// TalkController is the push-to-talk surface the talk view drives.
type TalkController interface {
	StartTalking(id string) error
	StopTalking()
}

type peersMsg []walkie.PeerStatus

type peersClosedMsg struct{}

// TalkModel is the interactive walkie-talkie view: a peer table with a
// cursor, where space toggles transmitting to the selected friend.
type TalkModel struct {
	self     string
	ctl      TalkController
	updates  <-chan []walkie.PeerStatus
	peers    []walkie.PeerStatus
	cursorID string
	spinner  spinner.Model
	err      string
	quitting bool
}

func NewTalkModel(self string, updates <-chan []walkie.PeerStatus, ctl TalkController) *TalkModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	return &TalkModel{self: self, ctl: ctl, updates: updates, spinner: s}
}

func (m *TalkModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *TalkModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		peers, ok := <-m.updates
		if !ok {
			return peersClosedMsg{}
		}
		return peersMsg(peers)
	}
}

func (m *TalkModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.ctl.StopTalking()
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			m.move(-1)
		case "down", "j":
			m.move(1)
		case " ", "enter":
			m.toggle()
		}
		return m, nil

	case peersMsg:
		m.peers = msg
		if m.cursor() < 0 {
			m.cursorID = ""
			if len(m.peers) > 0 {
				m.cursorID = m.peers[0].ID
			}
		}
		return m, m.listenForUpdates()

	case peersClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *TalkModel) cursor() int {
	for i, p := range m.peers {
		if p.ID == m.cursorID {
			return i
		}
	}
	return -1
}

func (m *TalkModel) move(delta int) {
	if len(m.peers) == 0 {
		return
	}
	i := m.cursor() + delta
	i = max(0, min(i, len(m.peers)-1))
	m.cursorID = m.peers[i].ID
}

func (m *TalkModel) toggle() {
	i := m.cursor()
	if i < 0 {
		return
	}
	m.err = ""
	if m.peers[i].Talking {
		m.ctl.StopTalking()
		return
	}
	if err := m.ctl.StartTalking(m.peers[i].ID); err != nil {
		m.err = err.Error()
	}
}

func (m *TalkModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Walkie-talkie · %s", IconMic, m.self)))
	b.WriteString("\n")

	if m.peers == nil {
		b.WriteString(fmt.Sprintf("%s Waiting for friends...\n", m.spinner.View()))
	} else {
		b.WriteString(PeerTableView(m.peers, m.cursor()))
		b.WriteString("\n")
	}

	if m.err != "" {
		b.WriteString("\n" + FormatError(errors.New(m.err)) + "\n")
	}
	b.WriteString(FooterStyle.Render("↑/↓ select · space talk/stop · q quit"))
	return b.String()
}

// RunTalkView runs the talk view in the terminal until the user quits, the
// update stream ends or ctx is cancelled.
func RunTalkView(ctx context.Context, self string, updates <-chan []walkie.PeerStatus, ctl TalkController) error {
	p := tea.NewProgram(NewTalkModel(self, updates, ctl), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("talk view: %w", err)
	}
	return nil
}
