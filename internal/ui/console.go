package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
)

// Console is the terminal front end of a participant: alerts, the local
// preview line and the periodic link table. It implements port.Alerter and
// port.Preview.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	preview string
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out, now: time.Now}
}

func (c *Console) Alert(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, ErrorStyle.Render("✗ "+err.Error()))
}

func (c *Console) Show(stream port.LocalStream) {
	kinds := make([]string, 0, 2)
	for _, k := range stream.Kinds() {
		kinds = append(kinds, string(k))
	}
	desc := "muted"
	if len(kinds) > 0 {
		desc = strings.Join(kinds, "+")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.preview = fmt.Sprintf("%s (%s)", stream.ID(), desc)
	fmt.Fprintln(c.out, MutedStyle.Render("● local stream "+c.preview))
}

func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preview = ""
}

// Links prints the header line and the link table.
func (c *Console) Links(self domain.ParticipantID, room domain.RoomID, links []domain.LinkInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	preview := c.preview
	if preview == "" {
		preview = "acquiring…"
	}
	fmt.Fprintf(c.out, "%s %s  %s %s  %s %s\n",
		TitleStyle.Render("room"), room,
		TitleStyle.Render("me"), self,
		TitleStyle.Render("local"), preview,
	)
	fmt.Fprintln(c.out, NewLinkTable(links, c.now()).View())
}

var (
	_ port.Alerter = (*Console)(nil)
	_ port.Preview = (*Console)(nil)
)
