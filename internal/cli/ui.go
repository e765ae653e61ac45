package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorCyan   = lipgloss.Color("36")
	colorGreen  = lipgloss.Color("35")
	colorYellow = lipgloss.Color("220")
	colorGray   = lipgloss.Color("245")
	colorDim    = lipgloss.Color("240")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleKey     = lipgloss.NewStyle().Foreground(colorGray)
	styleNumber  = lipgloss.NewStyle().Foreground(colorCyan)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleFrozen  = lipgloss.NewStyle().Foreground(colorYellow).Italic(true)
)

const (
	iconSuccess = "✓"
	iconWarning = "!"
	iconArrow   = "→"
)

// ui writes styled output to one writer so commands can be tested.
type ui struct {
	w io.Writer
}

func (u ui) title(s string) {
	fmt.Fprintln(u.w, styleTitle.Render(s))
}

func (u ui) success(format string, args ...any) {
	fmt.Fprintln(u.w, styleSuccess.Render(iconSuccess)+" "+fmt.Sprintf(format, args...))
}

func (u ui) warning(format string, args ...any) {
	fmt.Fprintln(u.w, styleWarning.Render(iconWarning)+" "+styleWarning.Render(fmt.Sprintf(format, args...)))
}

// keyValues prints aligned "key  value" rows.
func (u ui) keyValues(rows [][2]string) {
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	for _, r := range rows {
		key := r[0] + strings.Repeat(" ", width-len(r[0]))
		fmt.Fprintf(u.w, "  %s  %s\n", styleKey.Render(key), r[1])
	}
}

// table prints rows under a header, padding every column to its widest cell.
func (u ui) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		var b strings.Builder
		b.WriteString("  ")
		for i, c := range cells {
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(c))
			if style != nil {
				c = style.Render(c)
			}
			b.WriteString(c + pad)
			if i < len(cells)-1 {
				b.WriteString("  ")
			}
		}
		fmt.Fprintln(u.w, strings.TrimRight(b.String(), " "))
	}
	line(header, &styleKey)
	for _, r := range rows {
		line(r, nil)
	}
}

func number(format string, args ...any) string {
	return styleNumber.Render(fmt.Sprintf(format, args...))
}
