package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
)

// RunWatchTUI starts the interactive live dashboard, streaming events
// from the server at baseURL until the user quits.
func RunWatchTUI(baseURL, token string) error {
	model := NewWatchModel()
	p := tea.NewProgram(model, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := openStream(ctx, baseURL, token, func(event streamEvent) {
			p.Send(eventMsg(event))
		})
		p.Send(streamClosedMsg{err: err})
	}()

	_, err := p.Run()
	return err
}
