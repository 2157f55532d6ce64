package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds the dashboard bindings. Focus bindings belong to the model,
// selection bindings to the task pane.
type keyMap struct {
	Detach    key.Binding
	NextPane  key.Binding
	PrevPane  key.Binding
	TasksPane key.Binding
	StatsPane key.Binding
	Down      key.Binding
	Up        key.Binding
	Follow    key.Binding
}

var keys = keyMap{
	Detach: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "detach (session keeps running)"),
	),
	NextPane: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "cycle focus"),
	),
	PrevPane: key.NewBinding(
		key.WithKeys("shift+tab"),
	),
	TasksPane: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1/2", "tasks/progress"),
	),
	StatsPane: key.NewBinding(
		key.WithKeys("2"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/k", "select task"),
	),
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
	),
	Follow: key.NewBinding(
		key.WithKeys("f"),
		key.WithHelp("f", "follow newest"),
	),
}

// ShortHelp lists the bindings shown in the help bar. Bindings without help
// text are paired with one that has it.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.TasksPane, k.Down, k.Follow, k.Detach}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// HelpView renders the one-line help bar.
func HelpView() string {
	h := help.New()
	h.ShortSeparator = " | "
	return StyleHelp.Render(h.View(keys))
}
