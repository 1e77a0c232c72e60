package guard

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour int) time.Time {
	return time.Date(2024, 3, 14, hour, 30, 0, 0, time.UTC)
}

func TestBucketFor(t *testing.T) {
	t.Parallel()
	want := map[int]Bucket{
		0: BucketLateNight, 2: BucketLateNight, 5: BucketLateNight,
		6: BucketMorning, 11: BucketMorning,
		12: BucketAfternoon, 14: BucketAfternoon, 17: BucketAfternoon,
		18: BucketEvening, 21: BucketEvening,
		22: BucketLateNight, 23: BucketLateNight,
	}
	for hour, b := range want {
		assert.Equal(t, b, BucketFor(hour), "hour %d", hour)
	}
}

func TestComposeUsesTotalAndName(t *testing.T) {
	t.Parallel()
	c := NewComposer(fixedRand(0))

	msg := c.Compose(at(9), "$12.00", "Dana")
	assert.Equal(t, "Dana, starting your day with a $12.00 purchase? What if you channeled this morning energy into something that actually fills you up long-term?", msg)

	msg = c.Compose(at(9), "$12.00", "")
	assert.True(t, strings.HasPrefix(msg, "Starting your day with a $12.00 purchase?"), msg)

	msg = c.Compose(at(15), "", "")
	assert.Contains(t, msg, UnknownAmount)
}

func TestComposeLateNightClock(t *testing.T) {
	t.Parallel()
	c := NewComposer(fixedRand(0))
	assert.True(t, strings.HasPrefix(c.Compose(at(23), "$5", ""), "It's 11PM and you're about to spend $5."))
	assert.True(t, strings.HasPrefix(c.Compose(at(2), "$5", ""), "It's 2AM and"))
	assert.True(t, strings.HasPrefix(c.Compose(at(0), "$5", ""), "It's 12AM and"))
}

func TestComposeMorningGreeting(t *testing.T) {
	t.Parallel()
	c := NewComposer(fixedRand(1))
	assert.True(t, strings.HasPrefix(c.Compose(at(7), "$3", "Sam"), "Good morning, Sam! Before you spend $3"))
	assert.True(t, strings.HasPrefix(c.Compose(at(7), "$3", ""), "Good morning! Before you spend $3"))
}

func TestComposeIndexedStaysInBucket(t *testing.T) {
	t.Parallel()
	for i := range TemplateCount(BucketAfternoon) {
		c := NewComposer(fixedRand(i))
		msg, idx := c.ComposeIndexed(at(14), "$7.50", "")
		assert.Equal(t, i, idx)
		want, err := Render(BucketAfternoon, i, 14, "$7.50", "")
		require.NoError(t, err)
		assert.Equal(t, want, msg)
	}
}

func TestRenderRejectsBadIndex(t *testing.T) {
	t.Parallel()
	_, err := Render(BucketEvening, 3, 19, "$1", "")
	assert.Error(t, err)
	_, err = Render(BucketEvening, -1, 19, "$1", "")
	assert.Error(t, err)
}

func TestHighlightPrices(t *testing.T) {
	t.Parallel()
	got := HighlightPrices(`That $1,299.99 <b>thing</b> & $5`)
	assert.Equal(t,
		`That <span class="buynothing-guard-price-highlight">$1,299.99</span> &lt;b&gt;thing&lt;/b&gt; &amp; <span class="buynothing-guard-price-highlight">$5</span>`,
		got)
}

func TestScrapeCartTotal(t *testing.T) {
	t.Parallel()
	selectors := DefaultRules().CartTotalSelectors

	t.Run("selector price", func(t *testing.T) {
		doc := newFakeDoc("")
		doc.add(".a-price", "$9.99")
		doc.add("#sc-subtotal-amount-activecart", "  Subtotal: $183.55 ")
		assert.Equal(t, "$183.55", ScrapeCartTotal(doc, selectors))
	})
	t.Run("selector text with dollar", func(t *testing.T) {
		doc := newFakeDoc("")
		doc.add("#orderTotal .a-price", "$ --")
		assert.Equal(t, "$ --", ScrapeCartTotal(doc, selectors))
	})
	t.Run("selector without price falls through", func(t *testing.T) {
		doc := newFakeDoc("")
		doc.add("#orderTotal .a-price", "pending")
		doc.texts = []string{"Items", "Order total: $64.20", "$1.00"}
		assert.Equal(t, "$64.20", ScrapeCartTotal(doc, selectors))
	})
	t.Run("nothing priced", func(t *testing.T) {
		doc := newFakeDoc("")
		doc.texts = []string{"Your cart", "3 items"}
		assert.Equal(t, UnknownAmount, ScrapeCartTotal(doc, selectors))
	})
}

func TestScrapeUserName(t *testing.T) {
	t.Parallel()
	selectors := DefaultRules().UserNameSelectors

	tests := []struct {
		text string
		want string
	}{
		{"Hello, Dana", "Dana"},
		{"hi Sam", "Sam"},
		{"Hello, sign in", ""},
		{"Account & Lists", ""},
		{"Wish list", ""},
		{"Hello, J", ""},
		{strings.Repeat("x", 50), ""},
	}
	for _, tt := range tests {
		doc := newFakeDoc("")
		doc.add("#nav-link-accountList-nav-line-1", tt.text)
		assert.Equal(t, tt.want, ScrapeUserName(doc, selectors), tt.text)
	}

	doc := newFakeDoc("")
	doc.add("#nav-link-accountList-nav-line-1", "Hello, sign in")
	doc.add(".nav-line-1", "Hello, Priya")
	assert.Equal(t, "Priya", ScrapeUserName(doc, selectors))
}
