package discord

import (
	"fmt"
	"regexp"
	"strings"
)

// canonicalLink matches a normalized message link:
// https://discord.com/channels/<guild>/<channel>/<message>
var canonicalLink = regexp.MustCompile(`^https://discord\.com/channels/\d+/\d+/\d+$`)

// NormalizeLink rewrites the textual variants users paste into the one
// canonical HTTPS form. The rewrite order matters: the app-scheme prefixes
// must be handled after the discordapp.com host swap.
func NormalizeLink(raw string) string {
	link := raw
	if strings.Contains(link, "discordapp.com") {
		link = strings.ReplaceAll(link, "discordapp.com", "discord.com")
	}
	if strings.HasPrefix(link, "discord://") {
		link = strings.Replace(link, "discord://discord", "https://discord.com", 1)
		link = strings.Replace(link, "discord://", "https://discord.com/", 1)
	}
	return strings.TrimSpace(link)
}

// ValidateLink reports whether the (normalized) link is a full canonical
// message link. Used at job-creation time so malformed links fail fast
// instead of mid-job.
func ValidateLink(raw string) error {
	link := NormalizeLink(raw)
	if !canonicalLink.MatchString(link) {
		return fmt.Errorf("%w: %s", ErrInvalidLink, link)
	}
	return nil
}

// ParseLink normalizes a message link and extracts the (channelID, messageID)
// pair from its last two path segments.
func ParseLink(raw string) (channelID, messageID string, err error) {
	link := NormalizeLink(raw)
	parts := strings.Split(strings.Trim(link, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidLink, raw)
	}
	channelID = parts[len(parts)-2]
	messageID = parts[len(parts)-1]
	if channelID == "" || messageID == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidLink, raw)
	}
	return channelID, messageID, nil
}
