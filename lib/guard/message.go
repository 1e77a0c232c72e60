package guard

import (
	"fmt"
	"html"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// UnknownAmount replaces the cart total when no price could be scraped.
const UnknownAmount = "an unknown amount"

// Bucket is a time-of-day message category.
type Bucket string

const (
	BucketLateNight Bucket = "lateNight"
	BucketMorning   Bucket = "morning"
	BucketAfternoon Bucket = "afternoon"
	BucketEvening   Bucket = "evening"
)

// BucketFor maps an hour (0-23) to its bucket: late night 22-5, morning 6-11,
// afternoon 12-17, evening 18-21.
func BucketFor(hour int) Bucket {
	switch {
	case hour >= 22 || hour <= 5:
		return BucketLateNight
	case hour <= 11:
		return BucketMorning
	case hour <= 17:
		return BucketAfternoon
	default:
		return BucketEvening
	}
}

// RandSource picks template indexes. *rand.Rand satisfies it.
type RandSource interface {
	IntN(n int) int
}

type messageVars struct {
	total string
	name  string
	hour  int
}

// greet prefixes the shopper's name, or capitalises the sentence when there
// is none.
func (v messageVars) greet(rest string) string {
	if v.name != "" {
		return v.name + ", " + rest
	}
	return capitalize(rest)
}

type messageTemplate func(v messageVars) string

var templates = map[Bucket][]messageTemplate{
	BucketLateNight: {
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("it's %s and you're about to spend %s. Your tired brain craves instant gratification, but tomorrow you might feel different about this purchase.", clock12(v.hour), v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("late night shopping hitting different? That %s might not bring the peace you're looking for right now. What if you tried a calming activity instead?", v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("your future self might thank you for pausing on this %s purchase. It's late - maybe grab some water and see if you still want this tomorrow?", v.total))
		},
	},
	BucketMorning: {
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("starting your day with a %s purchase? What if you channeled this morning energy into something that actually fills you up long-term?", v.total))
		},
		func(v messageVars) string {
			hello := "Good morning"
			if v.name != "" {
				hello += ", " + v.name
			}
			return fmt.Sprintf("%s! Before you spend %s, take a breath. Is this purchase aligned with your values today, or just a habit?", hello, v.total)
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("morning clarity question: Do you really need this %s purchase, or are you shopping because it's become routine?", v.total))
		},
	},
	BucketAfternoon: {
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("midday shopping therapy? This %s won't solve what's really bothering you. What would actually help you feel better right now?", v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("pause. Breathe. That %s will still be there in an hour. Will you still want it then, or is this just a momentary impulse?", v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("you've made it this far today without this %s purchase. What's really driving this sudden need to buy something?", v.total))
		},
	},
	BucketEvening: {
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("end of day shopping? This %s might temporarily distract from stress, but it won't solve it. What would actually help you unwind?", v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("evening impulse? Take a moment. Will this %s purchase truly add value to your life, or is it just a temporary mood boost?", v.total))
		},
		func(v messageVars) string {
			return v.greet(fmt.Sprintf("you've survived the whole day without this %s item. What's changed in the last few minutes that makes it suddenly essential?", v.total))
		},
	},
}

// TemplateCount returns how many templates a bucket holds.
func TemplateCount(b Bucket) int {
	return len(templates[b])
}

// Composer builds intervention messages.
type Composer struct {
	rand RandSource
}

// NewComposer returns a composer drawing from src. A nil src uses a randomly
// seeded PCG source.
func NewComposer(src RandSource) *Composer {
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Composer{rand: src}
}

// Compose picks a template from the bucket of now's hour. An empty cartTotal
// becomes UnknownAmount; an empty userName drops the name prefix.
func (c *Composer) Compose(now time.Time, cartTotal, userName string) string {
	msg, _ := c.ComposeIndexed(now, cartTotal, userName)
	return msg
}

// ComposeIndexed is Compose that also reports which template of the bucket
// was used.
func (c *Composer) ComposeIndexed(now time.Time, cartTotal, userName string) (string, int) {
	if cartTotal == "" {
		cartTotal = UnknownAmount
	}
	set := templates[BucketFor(now.Hour())]
	i := c.rand.IntN(len(set))
	return set[i](messageVars{total: cartTotal, name: userName, hour: now.Hour()}), i
}

// Render renders one specific template, for previews and tests.
func Render(b Bucket, index int, hour int, cartTotal, userName string) (string, error) {
	set := templates[b]
	if index < 0 || index >= len(set) {
		return "", fmt.Errorf("bucket %s has no template %d", b, index)
	}
	if cartTotal == "" {
		cartTotal = UnknownAmount
	}
	return set[index](messageVars{total: cartTotal, name: userName, hour: hour}), nil
}

var priceRe = regexp.MustCompile(`\$[\d,]+\.?\d*`)

// HighlightPrices HTML-escapes msg and wraps every price in a highlight span.
func HighlightPrices(msg string) string {
	return priceRe.ReplaceAllString(html.EscapeString(msg), `<span class="buynothing-guard-price-highlight">$0</span>`)
}

// ScrapeCartTotal finds the cart total on the page: the ordered selectors
// first, then every text node, then UnknownAmount. It never fails.
func ScrapeCartTotal(doc Document, selectors []string) string {
	for _, sel := range selectors {
		els, err := doc.QueryAll(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		text := strings.TrimSpace(els[0].Text())
		if m := priceRe.FindString(text); m != "" {
			return m
		}
		if strings.Contains(text, "$") {
			return text
		}
	}
	texts, err := doc.Texts()
	if err != nil {
		return UnknownAmount
	}
	for _, t := range texts {
		if m := priceRe.FindString(t); m != "" {
			return m
		}
	}
	return UnknownAmount
}

var greetingRe = regexp.MustCompile(`(?i)^(hello,?\s*|hi,?\s*)`)

// ScrapeUserName returns the signed-in shopper's name, or "" when the page
// does not show one.
func ScrapeUserName(doc Document, selectors []string) string {
	for _, sel := range selectors {
		els, err := doc.QueryAll(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		name := strings.TrimSpace(els[0].Text())
		name = strings.TrimSpace(greetingRe.ReplaceAllString(name, ""))
		lower := strings.ToLower(name)
		n := utf8.RuneCountInString(name)
		if n <= 1 || n >= 50 ||
			strings.Contains(lower, "sign in") ||
			strings.Contains(lower, "account") ||
			strings.Contains(lower, "list") {
			continue
		}
		return name
	}
	return ""
}

func clock12(hour int) string {
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d%s", h, suffix)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
