package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

type statusStyle struct {
	icon string
	ansi string
}

var doctorStatusStyles = map[string]statusStyle{
	"pass":    {icon: "✓", ansi: "1;32"},
	"warn":    {icon: "!", ansi: "1;33"},
	"fail":    {icon: "✗", ansi: "1;31"},
	"unknown": {icon: "?", ansi: "1;37"},
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "sandboxd"
	}
	icon := "📦"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n%s %s\n", icon, title)
	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		line := key + ": " + value
		if color {
			line = ansiWrap("38;5;252", line)
		}
		fmt.Fprintf(&out, "   %s\n", line)
	}
	out.WriteByte('\n')
	return out.String()
}

func renderDoctorReport(runtimeName string, checks []doctorCheck, color bool) string {
	name := strings.TrimSpace(runtimeName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title + "\n")

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		style := doctorStatusStyles[status]
		block := fmt.Sprintf("%s [%s]", style.icon, status)
		if color {
			block = ansiWrap(style.ansi, block)
		}
		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		fmt.Fprintf(&out, "%s %s: %s\n", block, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary + "\n")
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func shouldUseANSI(f *os.File) bool {
	switch {
	case noColorRequested():
		return false
	case forceColorRequested():
		return true
	}
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range map[log.Level]string{
		log.DebugLevel: "45",
		log.InfoLevel:  "48",
		log.WarnLevel:  "214",
		log.ErrorLevel: "203",
	} {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(lipgloss.Color(c))
	}
	logger.SetStyles(styles)
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
