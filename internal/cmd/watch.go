package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

var (
	watchAddr string
	watchKey  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live TUI over the gateway's event stream",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	key, err := resolveAPIKey(watchKey)
	if err != nil {
		return err
	}

	u := url.URL{Scheme: "ws", Host: watchAddr, Path: "/events", RawQuery: "auth=" + url.QueryEscape(key)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", u.String(), err)
	}
	defer conn.Close()

	ch := make(chan wireEvent, 64)
	go func() {
		defer close(ch)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			ch <- ev
		}
	}()

	m, err := newWatchModel(ch)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// wireEvent is the socket frame shape: {kind, at, payload}.
type wireEvent struct {
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

type eventMsg wireEvent

type streamClosedMsg struct{}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

type watchModel struct {
	ch       chan wireEvent
	vp       viewport.Model
	renderer *glamour.TermRenderer

	status     string
	details    string
	vlmStatus  string
	lastAction string
	thoughts   []string
	closed     bool
	ready      bool
}

func newWatchModel(ch chan wireEvent) (*watchModel, error) {
	style := "light"
	if termenv.HasDarkBackground() {
		style = "dark"
	}
	renderer, err := glamour.NewTermRenderer(glamour.WithStandardStyle(style), glamour.WithWordWrap(78))
	if err != nil {
		return nil, fmt.Errorf("initializing renderer: %w", err)
	}
	return &watchModel{ch: ch, renderer: renderer, status: "idle", vlmStatus: "OFFLINE"}, nil
}

func (m *watchModel) Init() tea.Cmd {
	return m.nextEvent()
}

func (m *watchModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		headerHeight := 4
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
			m.refreshViewport()
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - headerHeight
		}
		return m, nil

	case streamClosedMsg:
		m.closed = true
		return m, nil

	case eventMsg:
		m.apply(wireEvent(msg))
		return m, m.nextEvent()
	}
	return m, nil
}

func (m *watchModel) apply(ev wireEvent) {
	switch ev.Kind {
	case "status":
		var snap struct {
			Status    string `json:"status"`
			Details   string `json:"details"`
			VLMStatus string `json:"vlm_status"`
		}
		if json.Unmarshal(ev.Payload, &snap) == nil {
			m.status = snap.Status
			m.details = snap.Details
			if snap.VLMStatus != "" {
				m.vlmStatus = snap.VLMStatus
			}
		}
	case "thought":
		var text string
		if json.Unmarshal(ev.Payload, &text) == nil && text != "" {
			rendered, err := m.renderer.Render(text)
			if err != nil {
				rendered = text
			}
			m.thoughts = append(m.thoughts, fmt.Sprintf("%s\n%s", dimStyle.Render(ev.At.Format("15:04:05")), strings.TrimRight(rendered, "\n")))
			if len(m.thoughts) > 50 {
				m.thoughts = m.thoughts[len(m.thoughts)-50:]
			}
			m.refreshViewport()
		}
	case "action":
		var act struct {
			Type string `json:"type"`
			X    int    `json:"x"`
			Y    int    `json:"y"`
			Text string `json:"text"`
		}
		if json.Unmarshal(ev.Payload, &act) == nil {
			m.lastAction = act.Type
			if act.Type == "CLICK" || act.Type == "DOUBLE_CLICK" || act.Type == "RIGHT_CLICK" || act.Type == "MOVE" || act.Type == "DRAG" {
				m.lastAction = fmt.Sprintf("%s (%d,%d)", act.Type, act.X, act.Y)
			} else if act.Text != "" {
				m.lastAction = fmt.Sprintf("%s %q", act.Type, act.Text)
			}
		}
	}
}

func (m *watchModel) refreshViewport() {
	m.vp.SetContent(strings.Join(m.thoughts, "\n"))
	m.vp.GotoBottom()
}

func (m *watchModel) View() string {
	header := titleStyle.Render("vagent") +
		statusStyle.Render(m.status) +
		dimStyle.Render("vlm: "+m.vlmStatus)
	if m.lastAction != "" {
		header += dimStyle.Render("last: " + m.lastAction)
	}
	if m.details != "" {
		header += dimStyle.Render(m.details)
	}
	if m.closed {
		header += statusStyle.Render("(stream closed)")
	}
	return header + "\n" + dimStyle.Render(strings.Repeat("-", 60)) + "\n" + m.vp.View() + "\n" + dimStyle.Render("q to quit")
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "127.0.0.1:8000", "Gateway address")
	watchCmd.Flags().StringVar(&watchKey, "key", "", "API key (default: read from <root>/config/secrets/api_key)")
	rootCmd.AddCommand(watchCmd)
}
