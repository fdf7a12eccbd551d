package notify

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalChannel prints notifications to an operator's terminal.
type TerminalChannel struct {
	mu           sync.Mutex
	w            io.Writer
	colorEnabled bool
	bellEnabled  bool
}

// NewTerminalChannel creates a channel writing to w.
func NewTerminalChannel(w io.Writer, colorEnabled, bellEnabled bool) *TerminalChannel {
	return &TerminalChannel{w: w, colorEnabled: colorEnabled, bellEnabled: bellEnabled}
}

// Name returns the name of the channel.
func (t *TerminalChannel) Name() string {
	return "terminal"
}

// IsEnabled returns whether the channel is enabled.
func (t *TerminalChannel) IsEnabled() bool {
	return t.w != nil
}

// Send prints n. Pages ring the bell when enabled.
func (t *TerminalChannel) Send(ctx context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bellEnabled && n.Type == NotificationPage {
		if _, err := io.WriteString(t.w, "\a"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(t.w, FormatNotification(n, t.colorEnabled))
	return err
}

func styleFor(t NotificationType) (string, *color.Color) {
	switch t {
	case NotificationPage:
		return "PAGE", color.New(color.FgRed, color.Bold)
	case NotificationRecovery:
		return "RECOVERED", color.New(color.FgGreen)
	case NotificationError:
		return "ERROR", color.New(color.FgRed)
	default:
		return "INFO", color.New(color.FgCyan)
	}
}

// FormatNotification formats a notification for terminal display.
func FormatNotification(n Notification, colorEnabled bool) string {
	label, c := styleFor(n.Type)
	if colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString(c.Sprintf("[%s] %-9s", n.Timestamp.UTC().Format("15:04:05"), label))
	sb.WriteString(" | ")
	sb.WriteString(n.Title)
	for _, line := range strings.Split(n.Message, "\n") {
		if line == "" {
			continue
		}
		sb.WriteString("\n    ")
		sb.WriteString(line)
	}
	if len(n.Data) > 0 {
		keys := make([]string, 0, len(n.Data))
		for k := range n.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, n.Data[k]))
		}
		sb.WriteString("\n    ")
		sb.WriteString(strings.Join(parts, " "))
	}
	return sb.String()
}
