// Package tui is the terminal view of the car: live telemetry, link state and
// the GO/STOP and destination controls, built on Bubble Tea.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/rcble/internal/ble"
	"github.com/chaz8081/rcble/internal/session"
)

// Session is the subset of the session the terminal view drives.
type Session interface {
	Snapshot() session.View
	Subscribe() (<-chan session.View, func())
	SetDestination(fix session.LocationFix) error
	ToggleGo() session.GoState
	EmergencyStop()
}

// viewMsg carries a new snapshot from the session.
type viewMsg struct {
	View session.View
}

// viewClosedMsg means the session stopped publishing.
type viewClosedMsg struct{}

// resultMsg reports the outcome of a user action.
type resultMsg struct {
	Text string
	Err  error
}

// Model is the root Bubble Tea model.
type Model struct {
	session Session
	retry   func()
	views   <-chan session.View

	view     session.View
	input    textinput.Model
	editing  bool
	status   string
	statusOK bool
	width    int
	quitting bool
}

// NewModel creates the model. views is the subscription the model renders
// from; retry may be nil.
func NewModel(sess Session, views <-chan session.View, retry func()) Model {
	ti := textinput.New()
	ti.Placeholder = "37.33935,-121.88074"
	ti.Prompt = "lat,lon > "
	ti.CharLimit = 48
	ti.Width = 30
	ti.PromptStyle = hintKey
	ti.Cursor.SetMode(cursor.CursorStatic)

	return Model{
		session: sess,
		retry:   retry,
		views:   views,
		view:    sess.Snapshot(),
		input:   ti,
	}
}

// Init starts listening for session snapshots.
func (m Model) Init() tea.Cmd {
	return waitForView(m.views)
}

func waitForView(ch <-chan session.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return viewClosedMsg{}
		}
		return viewMsg{View: v}
	}
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case viewMsg:
		m.view = msg.View
		return m, waitForView(m.views)

	case viewClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case resultMsg:
		if msg.Err != nil {
			m.status = msg.Err.Error()
			m.statusOK = false
		} else {
			m.status = msg.Text
			m.statusOK = true
		}
		return m, nil

	case tea.KeyMsg:
		if m.editing {
			return m.handleEditKey(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "g":
		sess := m.session
		return m, func() tea.Msg {
			st := sess.ToggleGo()
			if st == session.Commanding {
				return resultMsg{Text: "GO sent"}
			}
			return resultMsg{Text: "STOP sent"}
		}

	case " ", "x":
		sess := m.session
		return m, func() tea.Msg {
			sess.EmergencyStop()
			return resultMsg{Text: "Emergency stop sent"}
		}

	case "d":
		m.editing = true
		m.input.SetValue("")
		return m, m.input.Focus()

	case "r":
		if m.retry == nil {
			return m, nil
		}
		retry := m.retry
		return m, func() tea.Msg {
			retry()
			return resultMsg{Text: "Retrying connection"}
		}
	}
	return m, nil
}

func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil

	case tea.KeyEnter:
		m.editing = false
		m.input.Blur()
		fix, err := parseDestination(m.input.Value())
		if err != nil {
			m.status = err.Error()
			m.statusOK = false
			return m, nil
		}
		sess := m.session
		return m, func() tea.Msg {
			if err := sess.SetDestination(fix); err != nil {
				return resultMsg{Err: err}
			}
			return resultMsg{Text: fmt.Sprintf("Destination set to %.6f, %.6f", fix.Latitude, fix.Longitude)}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

var errDestinationFormat = errors.New("destination must be \"lat,lon\"")

// parseDestination reads "lat,lon" with optional spaces. Range checks are
// left to the session.
func parseDestination(s string) (session.LocationFix, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return session.LocationFix{}, errDestinationFormat
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return session.LocationFix{}, errDestinationFormat
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return session.LocationFix{}, errDestinationFormat
	}
	return session.LocationFix{Latitude: lat, Longitude: lon}, nil
}

// View renders the screen.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	v := m.view

	var b strings.Builder
	title := "rcble"
	if v.Device.Name != "" || v.Device.Address != "" {
		title += "  " + dimStyle.Render(deviceLabel(v.Device))
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	row("Link", renderLink(v))
	row("Mode", renderGo(v.Go))

	car := formatFix(v.Current)
	if !v.HasFix {
		car += dimStyle.Render("  (reference)")
	}
	row("Car", car)
	row("Destination", formatFix(v.Destination))
	row("Sensors", renderSensors(v.Sensors, v.SensorNext))
	if v.Alert != "" {
		row("Alert", alertStyle.Render(v.Alert)+dimStyle.Render("  "+v.AlertAt.Format("15:04:05")))
	}

	body := panelStyle.Render(strings.TrimRight(b.String(), "\n"))

	var out strings.Builder
	out.WriteString(body + "\n")
	if m.editing {
		out.WriteString(m.input.View() + "\n")
		out.WriteString(dimStyle.Render("enter: set  esc: cancel") + "\n")
	} else {
		if m.status != "" {
			style := alertStyle
			if m.statusOK {
				style = readyStyle
			}
			out.WriteString(style.Render(m.status) + "\n")
		}
		out.WriteString(renderHints(m.retry != nil) + "\n")
	}
	return out.String()
}

func deviceLabel(d ble.Device) string {
	switch {
	case d.Name != "" && d.Address != "":
		return d.Name + " (" + d.Address + ")"
	case d.Name != "":
		return d.Name
	default:
		return d.Address
	}
}

func renderLink(v session.View) string {
	var s string
	switch v.Link {
	case ble.PhaseReady:
		s = readyStyle.Render(v.Link.String())
	case ble.PhaseDisconnected:
		s = downStyle.Render(v.Link.String())
	default:
		s = busyStyle.Render(v.Link.String() + "...")
	}
	if v.LinkReason != "" {
		s += dimStyle.Render("  " + v.LinkReason)
	}
	return s
}

func renderGo(g session.GoState) string {
	if g == session.Commanding {
		return goStyle.Render("GO")
	}
	return idleStyle.Render("STOP")
}

func formatFix(f session.LocationFix) string {
	return fmt.Sprintf("%.6f, %.6f", f.Latitude, f.Longitude)
}

func renderSensors(values [session.SensorSlotCount]string, next int) string {
	cells := make([]string, len(values))
	for i, v := range values {
		if v == "" {
			v = "-"
		}
		if i == next {
			v = lipgloss.NewStyle().Underline(true).Render(v)
		}
		cells[i] = v
	}
	return strings.Join(cells, dimStyle.Render(" | "))
}

func renderHints(retry bool) string {
	hints := []struct{ key, desc string }{
		{"g", "go/stop"},
		{"space", "e-stop"},
		{"d", "destination"},
	}
	if retry {
		hints = append(hints, struct{ key, desc string }{"r", "retry"})
	}
	hints = append(hints, struct{ key, desc string }{"q", "quit"})

	parts := make([]string, len(hints))
	for i, h := range hints {
		parts[i] = hintKey.Render(h.key) + ": " + h.desc
	}
	return strings.Join(parts, "  "+dimStyle.Render("|")+"  ")
}

// Run shows the terminal view until the user quits, the session stops or
// ctx is cancelled.
func Run(ctx context.Context, sess Session, retry func()) error {
	views, unsub := sess.Subscribe()
	defer unsub()

	p := tea.NewProgram(NewModel(sess, views, retry), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
