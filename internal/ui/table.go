package ui

import (
	"fmt"

	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/utils"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

func styledTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// PeerTableView renders walkie-talkie links, marking the selected row.
// selected is an index into peers; -1 selects nothing.
func PeerTableView(peers []walkie.PeerStatus, selected int) string {
	if len(peers) == 0 {
		return MutedStyle.Render("No friends online")
	}

	rows := make([][]string, 0, len(peers))
	for i, p := range peers {
		cursor := " "
		if i == selected {
			cursor = "›"
		}
		rows = append(rows, []string{
			cursor,
			utils.TruncateString(displayName(p.Name, p.ID), 24),
			PeerStateStyle(p.State).Render(peerStateLabel(p)),
			activity(p),
		})
	}
	return styledTable([]string{"", "Friend", "Link", "Audio"}, rows).Render()
}

func peerStateLabel(p walkie.PeerStatus) string {
	if p.State == walkie.PeerReconnecting && p.Attempt > 0 {
		return fmt.Sprintf("%s %s #%d", IconRetry, p.State, p.Attempt)
	}
	return p.State.String()
}

func activity(p walkie.PeerStatus) string {
	switch {
	case p.Talking && p.RemoteTalking:
		return IconTalking + " " + IconListening
	case p.Talking:
		return IconTalking + " talking"
	case p.RemoteTalking:
		return IconListening + " listening"
	default:
		return ""
	}
}

// FriendTableView renders a presence roster.
func FriendTableView(users []presence.User) string {
	if len(users) == 0 {
		return MutedStyle.Render("No friends online")
	}
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		status := string(u.Status)
		if status == "" {
			status = string(presence.StatusAvailable)
		}
		rows = append(rows, []string{u.ID, utils.TruncateString(displayName(u.Name, u.ID), 24), status})
	}
	return styledTable([]string{"ID", "Name", "Status"}, rows).Render()
}

func displayName(name, id string) string {
	if name == "" {
		return id
	}
	return name
}
