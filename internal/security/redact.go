// Package security masks credentials before configuration or errors are shown.
package security

import (
	"regexp"
	"strings"

	"breakout-trader/internal/config"
)

// sensitivePatterns match credentials embedded in free text or URLs.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|token|password)=([^&\s"']+)`),
	regexp.MustCompile(`bot(\d+:[A-Za-z0-9_-]{20,})`), // Telegram bot API path
}

// MaskCredential masks a credential value, keeping at most four characters
// at each end.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks credentials found in s.
func MaskSensitive(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			secret := sub[len(sub)-1]
			return strings.Replace(match, secret, MaskCredential(secret), 1)
		})
	}
	return s
}

// RedactNotifications returns a copy of cfg with every secret masked.
func RedactNotifications(cfg config.NotificationConfig) config.NotificationConfig {
	out := cfg
	out.Webhook.URL = MaskSensitive(cfg.Webhook.URL)
	out.Telegram.BotToken = MaskCredential(cfg.Telegram.BotToken)
	out.Email.Password = MaskCredential(cfg.Email.Password)
	return out
}

// Redact returns a shallow copy of cfg safe to print.
func Redact(cfg *config.Config) *config.Config {
	out := *cfg
	out.Notifications = RedactNotifications(cfg.Notifications)
	out.Feed.URL = MaskSensitive(cfg.Feed.URL)
	return &out
}
