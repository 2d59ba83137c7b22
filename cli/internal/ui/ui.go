package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/pterm/pterm"
)

var (
	// Out and ErrOut receive all command output.
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
)

var (
	// Colors
	PrimaryColor   = lipgloss.Color("#00D9FF")
	SuccessColor   = lipgloss.Color("#00FF88")
	WarningColor   = lipgloss.Color("#FFB800")
	ErrorColor     = lipgloss.Color("#FF4444")
	InfoColor      = lipgloss.Color("#00D9FF")
	SecondaryColor = lipgloss.Color("#6C757D")

	// Styles
	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(SuccessColor).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(WarningColor).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(InfoColor)

	SecondaryStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor)
)

// DisableColor turns off styling for pterm and fatih/color output.
func DisableColor() {
	color.NoColor = true
	pterm.DisableStyling()
}

func width() int {
	if w := pterm.GetTerminalWidth(); w > 0 && w < 100 {
		return w
	}
	return 80
}

// PrintHeader prints the command banner.
func PrintHeader(title, subtitle string) {
	header := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Padding(0, 2).
		Render(
			lipgloss.JoinVertical(
				lipgloss.Left,
				TitleStyle.Render(title),
				SecondaryStyle.Render(subtitle),
			),
		)

	fmt.Fprintln(Out, header)
}

func printLine(w io.Writer, style lipgloss.Style, icon, format string, args []interface{}) {
	fmt.Fprintln(w, style.Render(icon+" "+fmt.Sprintf(format, args...)))
}

// PrintSuccess reports a completed operation.
func PrintSuccess(format string, args ...interface{}) {
	printLine(Out, SuccessStyle, "✓", format, args)
}

// PrintError writes to ErrOut.
func PrintError(format string, args ...interface{}) {
	printLine(ErrOut, ErrorStyle, "✗", format, args)
}

// PrintWarning reports something the operator should look at.
func PrintWarning(format string, args ...interface{}) {
	printLine(Out, WarningStyle, "⚠", format, args)
}

// PrintInfo prints a neutral message.
func PrintInfo(format string, args ...interface{}) {
	printLine(Out, InfoStyle, "ℹ", format, args)
}

// PrintStep prints "[step/total] message".
func PrintStep(step, total int, message string) {
	stepStyle := SecondaryStyle.Render(fmt.Sprintf("[%d/%d]", step, total))
	fmt.Fprintf(Out, "%s %s\n", stepStyle, message)
}

// PrintTable renders rows under a header row.
func PrintTable(headers []string, rows [][]string) error {
	tableData := pterm.TableData{headers}
	tableData = append(tableData, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(tableData).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(Out, out)
	return nil
}

// PrintKeyValues prints aligned "key: value" pairs in order.
func PrintKeyValues(pairs [][2]string) {
	pad := 0
	for _, p := range pairs {
		if len(p[0]) > pad {
			pad = len(p[0])
		}
	}
	for _, p := range pairs {
		key := SecondaryStyle.Render(fmt.Sprintf("%-*s", pad+1, p[0]+":"))
		fmt.Fprintf(Out, "  %s %s\n", key, p[1])
	}
}

// PrintList prints one bullet per item.
func PrintList(items []string) {
	for _, item := range items {
		fmt.Fprintf(Out, "  • %s\n", item)
	}
}

// PrintMarkdown renders markdown for the terminal.
func PrintMarkdown(content string) error {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width()),
	)
	if err != nil {
		return err
	}

	out, err := r.Render(content)
	if err != nil {
		return err
	}

	fmt.Fprint(Out, out)
	return nil
}

// PrintBox draws a warning-colored box around content.
func PrintBox(title string, content string) {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(WarningColor).
		Padding(0, 1).
		Render(
			lipgloss.JoinVertical(
				lipgloss.Left,
				WarningStyle.Render(title),
				content,
			),
		)

	fmt.Fprintln(Out, box)
}

// PrintSection prints an underlined section title.
func PrintSection(title string) {
	section := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(SecondaryColor).
		Render(title)

	fmt.Fprintln(Out)
	fmt.Fprintln(Out, section)
}

// PrintIssue prints one validation issue with a severity label.
func PrintIssue(severity, kind, object, detail string) {
	c, ok := severityColors[strings.ToLower(severity)]
	if !ok {
		c = color.New(color.FgCyan)
	}
	label := c.Sprintf("%-7s", strings.ToUpper(severity))
	fmt.Fprintf(Out, "  %s %s %s: %s\n", label, SecondaryStyle.Render(kind), object, detail)
}

var severityColors = map[string]*color.Color{
	"error":   color.New(color.FgRed, color.Bold),
	"warning": color.New(color.FgYellow, color.Bold),
}
