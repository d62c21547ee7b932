package ui

import (
	"fmt"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const stateCol = 2

// LinkTable renders a coordinator's links.
type LinkTable struct {
	links []domain.LinkInfo
	now   time.Time
}

func NewLinkTable(links []domain.LinkInfo, now time.Time) *LinkTable {
	return &LinkTable{links: links, now: now}
}

func (t *LinkTable) View() string {
	if len(t.links) == 0 {
		return MutedStyle.Render("No remote participants")
	}

	headers := []string{"Remote", "Direction", "State", "Remote stream", "Since"}
	rows := make([][]string, 0, len(t.links))
	for _, l := range t.links {
		stream := l.RemoteStream
		if stream == "" {
			stream = "-"
		}
		rows = append(rows, []string{
			truncate(l.Remote.String(), 36),
			l.Direction.String(),
			l.State.String(),
			truncate(stream, 36),
			t.now.Sub(l.Since).Truncate(time.Second).String(),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			var s lipgloss.Style
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				s = TableRowStyle
			default:
				s = TableRowAltStyle
			}
			if col == stateCol && row >= 0 && row < len(rows) {
				if c, ok := stateColors[rows[row][stateCol]]; ok {
					s = s.Foreground(c)
				}
			}
			return s
		})

	return tbl.Render()
}

// RoomView announces a freshly created room.
func RoomView(roomID domain.RoomID, joinHint string) string {
	content := fmt.Sprintf("Room created\n\nRoom ID:  %s\nJoin:     %s",
		BoldStyle.Foreground(Primary).Render(roomID.String()),
		MutedStyle.Render(joinHint),
	)
	return RoomBoxStyle.Render(content)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
