package relay_test

import (
	"strings"
	"testing"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/hbomb79/Relay/internal/relay"
	"github.com/stretchr/testify/assert"
)

func TestRenderCaption(t *testing.T) {
	tests := []struct {
		name     string
		template string
		caption  string
		expected string
	}{
		{"no template uses source caption", "", "sunset", "sunset\n\nt.me/relaybot"},
		{"placeholder substituted", "From my feed: {caption}", "sunset", "From my feed: sunset\n\nt.me/relaybot"},
		{"template without placeholder", "Shared by me", "sunset", "Shared by me\n\nt.me/relaybot"},
		{"nothing to say", "", "", "t.me/relaybot"},
		{"whitespace only", "   {caption}", "", "t.me/relaybot"},
		{"html escaped", "<b>{caption}</b>", "fish & chips", "&lt;b&gt;fish &amp; chips&lt;/b&gt;\n\nt.me/relaybot"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, relay.RenderCaption(test.template, test.caption, botLink))
		})
	}
}

func TestRenderCaption_Truncates(t *testing.T) {
	long := strings.Repeat("é", relay.MaxCaptionLength*2)

	out := relay.RenderCaption("{caption}", long, botLink)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), relay.MaxCaptionLength)
	assert.True(t, strings.HasSuffix(out, "…\n\n"+botLink))

	// An oversized template still leaves room for the link
	out = relay.RenderCaption(long, "ignored", botLink)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), relay.MaxCaptionLength)
	assert.True(t, strings.HasSuffix(out, botLink))
	assert.NotContains(t, out, "ignored")
}

func TestRenderCaption_CountsUTF16Units(t *testing.T) {
	utf16Len := func(s string) int { return len(utf16.Encode([]rune(s))) }

	out := relay.RenderCaption("", strings.Repeat("😀", 1100), botLink)
	assert.LessOrEqual(t, utf16Len(out), relay.MaxCaptionLength)
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "😀…\n\n"+botLink), "truncation must not split a surrogate pair")

	// Mixed widths: the template is fixed text, the emoji caption fills the rest
	out = relay.RenderCaption("🎬 {caption}", strings.Repeat("a😀", 600), botLink)
	assert.LessOrEqual(t, utf16Len(out), relay.MaxCaptionLength)
	assert.True(t, strings.HasPrefix(out, "🎬 a😀"))

	short := "🌅 sunset 🌊"
	assert.Equal(t, short+"\n\n"+botLink, relay.RenderCaption("", short, botLink))
}

func TestBatch(t *testing.T) {
	items := make([]int, 23)
	for i := range items {
		items[i] = i
	}

	batches := relay.Batch(items, relay.MaxGroupSize)
	assert.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, batches[0])
	assert.Equal(t, []int{20, 21, 22}, batches[2])

	assert.Len(t, relay.Batch(items, 0), 3, "non-positive sizes use the platform maximum")
	assert.Len(t, relay.Batch(items, 50), 3, "sizes above the platform maximum are clamped")
	assert.Len(t, relay.Batch(items, 5), 5)
	assert.Empty(t, relay.Batch([]int{}, 10))
	assert.Len(t, relay.Batch(items[:10], 10), 1)
}
