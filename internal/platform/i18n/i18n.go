// Package i18n resolves locale tags and renders localized system messages.
//
// The table service only speaks for itself in system events (joins, leaves,
// redactions); user-authored content is relayed untranslated. en-US is the
// base locale and pt-BR is fully covered.
package i18n

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

var supported = []language.Tag{
	language.AmericanEnglish,
	language.BrazilianPortuguese,
}

var matcher = language.NewMatcher(supported)

// SupportedTags returns the locales the service can render system messages in.
func SupportedTags() []language.Tag {
	tags := make([]language.Tag, len(supported))
	copy(tags, supported)
	return tags
}

// DefaultTag returns the base locale.
func DefaultTag() language.Tag {
	return language.AmericanEnglish
}

// ParseTag parses a locale string and reports whether it matched a supported
// locale with reasonable confidence.
func ParseTag(value string) (language.Tag, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultTag(), false
	}
	parsed, err := language.Parse(value)
	if err != nil {
		return DefaultTag(), false
	}
	tag, _, confidence := matcher.Match(parsed)
	if confidence == language.No {
		return DefaultTag(), false
	}
	return canonical(tag), true
}

// Match picks the best supported locale for an ordered preference list.
func Match(preferred ...language.Tag) language.Tag {
	tag, _, _ := matcher.Match(preferred...)
	return canonical(tag)
}

// matcher.Match can return extended variants of the supported tags; collapse
// them back onto the canonical entries.
func canonical(tag language.Tag) language.Tag {
	base, _ := tag.Base()
	for _, candidate := range supported {
		candidateBase, _ := candidate.Base()
		if base == candidateBase {
			return candidate
		}
	}
	return DefaultTag()
}

// SystemLabel returns the display name of the system author.
func SystemLabel(tag language.Tag) string {
	if tag == language.BrazilianPortuguese {
		return "sistema"
	}
	return "system"
}

// GuestNickname returns the default nickname for a connection that has not
// set an identity yet.
func GuestNickname(tag language.Tag, suffix string) string {
	if tag == language.BrazilianPortuguese {
		return "Convidado-" + suffix
	}
	return "Guest-" + suffix
}

// MemberJoined renders the system event for a member entering a room.
func MemberJoined(tag language.Tag, nickname string) string {
	if tag == language.BrazilianPortuguese {
		return fmt.Sprintf("%s entrou na sala.", nickname)
	}
	return fmt.Sprintf("%s joined the room.", nickname)
}

// MemberLeft renders the system event for a member leaving a room. The reason
// token (leave, disconnect, ban) is included verbatim for client display.
func MemberLeft(tag language.Tag, nickname string, reason string) string {
	if tag == language.BrazilianPortuguese {
		return fmt.Sprintf("%s saiu (%s).", nickname, reason)
	}
	return fmt.Sprintf("%s left (%s).", nickname, reason)
}

// MessageRemoved returns the redaction marker for deleted messages.
func MessageRemoved(tag language.Tag) string {
	if tag == language.BrazilianPortuguese {
		return "[mensagem removida]"
	}
	return "[message removed]"
}
