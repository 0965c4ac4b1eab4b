package relay

import (
	"html"
	"strings"
)

const (
	MaxCaptionLength     = 1024
	CaptionPlaceholder   = "{caption}"
	captionEllipsis      = "…"
	captionLinkSeparator = "\n\n"
)

// RenderCaption composes the caption for transmitted media. The template may
// include the {caption} placeholder, which is replaced with the source
// caption; an empty template renders the source caption alone. The bot link
// always follows. User supplied text is HTML escaped, and the source caption
// is shortened as needed to keep the visible result within the platform
// limit. Lengths are measured in UTF-16 code units, as the platform counts
// them.
func RenderCaption(template string, caption string, botLink string) string {
	budget := MaxCaptionLength - captionLength(botLink)
	if template == "" {
		template = CaptionPlaceholder
	}

	placeholders := strings.Count(template, CaptionPlaceholder)
	fixed := captionLength(template) - placeholders*captionLength(CaptionPlaceholder)
	if caption == "" && fixed == 0 {
		return botLink
	}

	budget -= captionLength(captionLinkSeparator)
	if fixed > budget {
		template, caption = truncateCaption(template, budget), ""
	} else if placeholders > 0 {
		caption = truncateCaption(caption, (budget-fixed)/placeholders)
	}

	parts := strings.Split(template, CaptionPlaceholder)
	for i := range parts {
		parts[i] = html.EscapeString(parts[i])
	}
	body := strings.Join(parts, html.EscapeString(caption))
	if strings.TrimSpace(body) == "" {
		return botLink
	}

	return body + captionLinkSeparator + botLink
}

func captionLength(s string) int {
	n := 0
	for _, r := range s {
		n += utf16Width(r)
	}
	return n
}

// utf16Width is the number of UTF-16 units r encodes to; characters outside
// the basic multilingual plane need a surrogate pair.
func utf16Width(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// truncateCaption shortens s to at most limit UTF-16 units, ellipsis
// included, without splitting a character.
func truncateCaption(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if captionLength(s) <= limit {
		return s
	}

	budget := limit - captionLength(captionEllipsis)
	used := 0
	for i, r := range s {
		width := utf16Width(r)
		if used+width > budget {
			return s[:i] + captionEllipsis
		}
		used += width
	}

	return s
}
