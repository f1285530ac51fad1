package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
	LevelError
)

// Table is a titled grid of already formatted cells.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
	// Right lists the column indexes rendered right-aligned.
	Right []int
}

// Sink receives everything a command prints for the user. Detection and
// report code return values; only commands talk to a Sink.
type Sink interface {
	Info(msg string)
	Success(msg string)
	Warn(msg string)
	Error(msg string)
	Line(format string, args ...any)
	// Note is a secondary line, rendered faint.
	Note(format string, args ...any)
	Table(t Table)
	Panel(level Level, body string)
}

// Console renders to a terminal with lipgloss. Color is dropped
// automatically when w is not a terminal.
type Console struct {
	w  io.Writer
	r  *lipgloss.Renderer
	st styles
}

type styles struct {
	info, success, warn, errs lipgloss.Style
	header, title, dim        lipgloss.Style
}

func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w: w,
		r: r,
		st: styles{
			info:    r.NewStyle().Foreground(lipgloss.Color("12")),
			success: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
			warn:    r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			errs:    r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			header:  r.NewStyle().Foreground(lipgloss.Color("14")).Bold(true).Padding(0, 1),
			title:   r.NewStyle().Bold(true),
			dim:     r.NewStyle().Faint(true),
		},
	}
}

func (c *Console) Info(msg string)    { fmt.Fprintln(c.w, c.st.info.Render("ℹ")+" "+msg) }
func (c *Console) Success(msg string) { fmt.Fprintln(c.w, c.st.success.Render("✓")+" "+msg) }
func (c *Console) Warn(msg string)    { fmt.Fprintln(c.w, c.st.warn.Render("⚠")+" "+msg) }
func (c *Console) Error(msg string)   { fmt.Fprintln(c.w, c.st.errs.Render("✗")+" "+msg) }

func (c *Console) Line(format string, args ...any) {
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *Console) Note(format string, args ...any) {
	fmt.Fprintln(c.w, c.st.dim.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) Table(t Table) {
	right := make(map[int]bool, len(t.Right))
	for _, i := range t.Right {
		right[i] = true
	}
	cell := c.r.NewStyle().Padding(0, 1)
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(c.st.dim).
		Headers(t.Headers...).
		Rows(t.Rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return c.st.header
			}
			if right[col] {
				return cell.Align(lipgloss.Right)
			}
			return cell
		})
	if t.Title != "" {
		fmt.Fprintln(c.w, c.st.title.Render(t.Title))
	}
	fmt.Fprintln(c.w, tbl.String())
}

func (c *Console) Panel(level Level, body string) {
	color := map[Level]string{LevelInfo: "12", LevelSuccess: "10", LevelWarn: "11", LevelError: "9"}[level]
	box := c.r.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Padding(0, 1).
		Render(strings.TrimRight(body, "\n"))
	fmt.Fprintln(c.w, box)
}
