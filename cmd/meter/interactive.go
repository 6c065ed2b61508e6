package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-meter/engine"
	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/metering"
	"github.com/wippyai/wasm-meter/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	pointsStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFD866"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	err      error
	rt       *runtime.Runtime
	instance *runtime.Instance
	module   *runtime.Module
	opts     options
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	points   metering.Points
	used     uint64
	selected int
	focusIdx int
	state    modelState
}

type funcInfo struct {
	name    string
	params  []wit.Type
	results []wit.Type
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(o options) *interactiveModel {
	return &interactiveModel{
		opts:  o,
		state: stateSelectFunc,
	}
}

type loadedMsg struct {
	err   error
	rt    *runtime.Runtime
	mod   *runtime.Module
	inst  *runtime.Instance
	funcs []funcInfo
}

type callResultMsg struct {
	err    error
	result string
	points metering.Points
	used   uint64
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	ctx := context.Background()

	data, err := os.ReadFile(m.opts.wasmFile)
	if err != nil {
		return loadedMsg{err: err}
	}

	opts, _, err := loadOptions(m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}

	rt, err := runtime.NewWithConfig(ctx, &engine.Config{CacheDir: m.opts.cacheDir, EnableWASI: true})
	if err != nil {
		return loadedMsg{err: err}
	}

	mod, err := rt.LoadWASM(ctx, data, opts...)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	var funcs []funcInfo
	for _, e := range mod.Exports() {
		params, results, err := mod.GetFunctionTypes(e.Name)
		if err != nil {
			continue
		}
		funcs = append(funcs, funcInfo{name: e.Name, params: params, results: results})
	}

	// stdout would corrupt the alt screen
	inst, err := mod.InstantiateWithConfig(ctx, &engine.InstanceConfig{
		ModuleConfig: wazero.NewModuleConfig().WithName("").WithStartFunctions(),
	})
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	return loadedMsg{funcs: funcs, rt: rt, mod: mod, inst: inst}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			ctx := context.Background()
			if m.instance != nil {
				m.instance.Close(ctx)
			}
			if m.rt != nil {
				m.rt.Close(ctx)
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "r":
			if m.state != stateInputArgs && m.instance != nil {
				if err := m.instance.SetRemainingPoints(m.opts.limit); err != nil {
					m.err = err
				}
				m.refreshPoints()
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs
		m.rt = msg.rt
		m.module = msg.mod
		m.instance = msg.inst
		m.refreshPoints()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.points = msg.points
		m.used = msg.used
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) refreshPoints() {
	if p, err := m.instance.Points(); err == nil {
		m.points = p
	}
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = engine.TypeName(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	ctx := context.Background()

	if m.instance == nil {
		return callResultMsg{err: fmt.Errorf("module not loaded")}
	}

	f := m.funcs[m.selected]
	args := make([]any, len(m.inputs))
	for i, input := range m.inputs {
		v, err := engine.ParseValue(f.params[i], strings.TrimSpace(input.Value()))
		if err != nil {
			return callResultMsg{err: fmt.Errorf("arg%d: %w", i, err), points: m.points}
		}
		args[i] = v
	}

	before := m.points.Remaining
	result, err := m.instance.Call(ctx, f.name, args...)

	msg := callResultMsg{err: err, points: m.points}
	if p, perr := m.instance.Points(); perr == nil {
		msg.points = p
		if p.Remaining <= before {
			msg.used = before - p.Remaining
		}
	}
	if err == nil {
		msg.result = fmt.Sprintf("%v", result)
	}
	return msg
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.instance == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Meter"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString("  ")
	b.WriteString(pointsStyle.Render(fmt.Sprintf("%d / %d points", m.points.Remaining, m.opts.limit)))
	if m.points.Exhausted {
		b.WriteString(" ")
		b.WriteString(errorStyle.Render("exhausted"))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("No exported functions.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + m.formatFunc(f)))
			} else {
				b.WriteString(cursor + m.formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • r refill • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(engine.TypeName(f.params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		switch {
		case m.err != nil && errors.IsPointsExhausted(m.err):
			b.WriteString(errorStyle.Render("Out of points. Press r to refill."))
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		default:
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("Used %d points\n\n", m.used))
		b.WriteString(helpStyle.Render("enter continue • r refill • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatFunc(f funcInfo) string {
	return funcStyle.Render(f.name) + typeStyle.Render(formatSignature("", f.params, f.results))
}

// formatSignature renders name(s32, s32) -> s32.
func formatSignature(name string, params, results []wit.Type) string {
	ps := make([]string, len(params))
	for i, p := range params {
		ps[i] = engine.TypeName(p)
	}
	s := name + "(" + strings.Join(ps, ", ") + ")"
	switch len(results) {
	case 0:
	case 1:
		s += " -> " + engine.TypeName(results[0])
	default:
		rs := make([]string, len(results))
		for i, r := range results {
			rs[i] = engine.TypeName(r)
		}
		s += " -> (" + strings.Join(rs, ", ") + ")"
	}
	return s
}

func runInteractive(o options) error {
	p := tea.NewProgram(newInteractiveModel(o), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
