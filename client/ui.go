package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zigzag/zzchat/model"
)

// typingResend keeps the server-side typing indicator alive while keys are
// being pressed.
const typingResend = time.Second

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).Italic(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0A0A0"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))

	aliasColors = []lipgloss.Color{"#FF875F", "#5FD7FF", "#AFD75F", "#D787FF", "#FFD75F", "#5FFFAF"}
)

type modelState struct {
	network   *Network
	viewport  viewport.Model
	textInput textinput.Model
	messages  []string
	ready     bool
	err       error

	self       model.Identity
	room       string
	counts     map[string]int
	typing     map[string]map[string]bool
	lastTyping time.Time
	now        func() time.Time
}

func initialModel(net *Network, self model.Identity, history []model.ChatMessage) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message... (/help for commands)"
	ti.Focus()
	ti.CharLimit = model.MaxContentLength
	ti.Width = 20

	m := modelState{
		network:   net,
		textInput: ti,
		self:      self,
		room:      model.GlobalRoom,
		counts:    make(map[string]int),
		typing:    make(map[string]map[string]bool),
		now:       time.Now,
	}
	for _, msg := range history {
		m.messages = append(m.messages, formatMessage(msg, 80))
	}
	return m
}

func (m modelState) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.network.WaitForMessage)
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.network.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.textInput.Value())
			m.textInput.SetValue("")
			if content == "" {
				return m, nil
			}
			if strings.HasPrefix(content, "/") {
				return m.runCommand(content)
			}
			m.lastTyping = time.Time{}
			return m, m.network.Send(model.EventSend, model.SendEvent{Content: content, Kind: model.KindText, Room: m.roomField()})
		case tea.KeyRunes, tea.KeySpace, tea.KeyBackspace:
			var typingCmd tea.Cmd
			if now := m.now(); now.Sub(m.lastTyping) >= typingResend {
				m.lastTyping = now
				typingCmd = m.network.Send(model.EventTypingStart, model.TypingStartEvent{Room: m.roomField()})
			}
			m.textInput, tiCmd = m.textInput.Update(msg)
			return m, tea.Batch(tiCmd, typingCmd)
		}

	case tea.WindowSizeMsg:
		footerHeight := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - footerHeight
		}
		m.textInput.Width = msg.Width
		m.refresh()

	case serverEvent:
		m.applyEvent(msg)
		m.refresh()
		return m, m.network.WaitForMessage

	case disconnectedMsg:
		text := "Disconnected."
		if msg.err != nil {
			text = fmt.Sprintf("Disconnected: %v", msg.err)
		}
		m.appendSystem(text)
		m.refresh()
		return m, nil

	case errMsg:
		m.err = msg
		m.refresh()
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// roomField leaves the room empty for global so frames stay minimal.
func (m modelState) roomField() string {
	if m.room == model.GlobalRoom {
		return ""
	}
	return m.room
}

func (m modelState) runCommand(line string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/join":
		if len(args) != 1 {
			m.appendSystem("Usage: /join <room>")
			break
		}
		return m, m.network.Send(model.EventRoomJoin, model.RoomJoinEvent{Name: args[0]})
	case "/leave":
		room := m.room
		if len(args) == 1 {
			room = args[0]
		}
		return m, m.network.Send(model.EventRoomLeave, model.RoomLeaveEvent{Name: room})
	case "/room":
		if len(args) != 1 {
			m.appendSystem("Usage: /room <room>")
			break
		}
		m.room = args[0]
		m.appendSystem("Now talking in #" + m.room)
	case "/quit":
		m.network.Close()
		return m, tea.Quit
	case "/help":
		m.appendSystem("Commands: /join <room>, /leave [room], /room <room>, /quit")
	default:
		m.appendSystem("Unknown command: " + cmd)
	}
	m.refresh()
	return m, nil
}

func (m *modelState) applyEvent(ev serverEvent) {
	switch ev.Type {
	case model.EventMessage:
		var msg model.ChatMessage
		if json.Unmarshal(ev.Payload, &msg) != nil {
			return
		}
		m.setTyping(msg.Room, msg.Sender.Alias, false)
		m.messages = append(m.messages, formatMessage(msg, m.viewport.Width))
	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		m.setTyping(p.Room, p.Alias, ev.Type == model.EventTyping)
	case model.EventPresenceCount:
		var p model.PresenceCountPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		m.counts[p.Room] = p.Count
	case model.EventUserJoined, model.EventUserLeft:
		var p model.PresencePayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		verb := "joined"
		if ev.Type == model.EventUserLeft {
			verb = "left"
			m.setTyping(p.Room, p.Alias, false)
		}
		m.appendSystem(fmt.Sprintf("%s %s #%s", p.Alias, verb, p.Room))
	case model.EventRoomJoined:
		var p model.RoomPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		m.room = p.Name
		m.appendSystem("Joined #" + p.Name)
	case model.EventRoomLeft:
		var p model.RoomPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		delete(m.counts, p.Name)
		delete(m.typing, p.Name)
		if m.room == p.Name {
			m.room = model.GlobalRoom
		}
		m.appendSystem("Left #" + p.Name)
	case model.EventRateLimited:
		m.appendSystem("Slow down: rate limit reached.")
	case model.EventError:
		var p model.ErrorPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return
		}
		m.appendSystem("Rejected: " + p.Message)
	}
}

func (m *modelState) setTyping(room, alias string, on bool) {
	if on {
		if m.typing[room] == nil {
			m.typing[room] = make(map[string]bool)
		}
		m.typing[room][alias] = true
		return
	}
	delete(m.typing[room], alias)
}

func (m *modelState) appendSystem(text string) {
	m.messages = append(m.messages, systemStyle.Render("* "+text))
}

func (m *modelState) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.messages, "\n"))
	m.viewport.GotoBottom()
}

func (m modelState) statusLine() string {
	status := fmt.Sprintf("%s in #%s (%d online)", m.self.Alias, m.room, m.counts[m.room])
	if typers := m.typers(); len(typers) > 0 {
		status += "  " + strings.Join(typers, ", ") + " typing..."
	}
	if m.err != nil {
		status += "  " + errorStyle.Render(m.err.Error())
	}
	return statusStyle.Render(status)
}

func (m modelState) typers() []string {
	var out []string
	for alias := range m.typing[m.room] {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.statusLine(),
		m.textInput.View(),
	)
}

func aliasStyle(alias string) lipgloss.Style {
	h := fnv.New32a()
	h.Write([]byte(alias))
	return lipgloss.NewStyle().Bold(true).Foreground(aliasColors[h.Sum32()%uint32(len(aliasColors))])
}

// formatMessage renders │ time │ alias │ content, wrapping content under its
// own column. Content arrives HTML-escaped and is shown as typed.
func formatMessage(msg model.ChatMessage, width int) string {
	if width < 50 {
		width = 80
	}

	const aliasWidth = 15
	vLine := borderStyle.Render("│")

	alias := msg.Sender.Alias
	if alias == "" {
		alias = "Unknown"
	}
	styledAlias := aliasStyle(alias).Render(alias)
	if pad := aliasWidth - lipgloss.Width(styledAlias); pad > 0 {
		styledAlias += strings.Repeat(" ", pad)
	}

	prefix := fmt.Sprintf("%s %s %s %s %s ", vLine, msg.CreatedAt.Local().Format("15:04"), vLine, styledAlias, vLine)
	msgWidth := width - lipgloss.Width(prefix)
	if msgWidth < 10 {
		msgWidth = 10
	}

	content := html.UnescapeString(msg.Content)
	if msg.Kind == model.KindImage && msg.ImageURL != "" {
		content += " [image: " + msg.ImageURL + "]"
	}
	if msg.Room != "" && msg.Room != model.GlobalRoom {
		content = "#" + msg.Room + " " + content
	}
	lines := strings.Split(lipgloss.NewStyle().Width(msgWidth).Render(content), "\n")

	emptyPrefix := fmt.Sprintf("%s %s %s %s %s ",
		vLine, strings.Repeat(" ", 5),
		vLine, strings.Repeat(" ", max(aliasWidth, lipgloss.Width(styledAlias))),
		vLine)

	var result strings.Builder
	result.WriteString(prefix)
	result.WriteString(lines[0])
	for _, line := range lines[1:] {
		result.WriteString("\n")
		result.WriteString(emptyPrefix)
		result.WriteString(line)
	}
	return result.String()
}
