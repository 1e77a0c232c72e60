package guard

import (
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	selectors := DefaultRules().ButtonSelectors

	properties.Property("instrumentation is idempotent", prop.ForAll(
		func(counts []int, scans int) bool {
			doc := newFakeDoc("https://shop.example/")
			total := 0
			for i, n := range counts {
				for range n {
					doc.add(selectors[i%len(selectors)], "Buy")
					total++
				}
			}
			r := NewRegistry(silentLogger())
			first := r.Instrument(doc, selectors, func(ClickEvent) {})
			for range scans {
				if r.Instrument(doc, selectors, func(ClickEvent) {}) != 0 {
					return false
				}
			}
			for _, els := range doc.elements {
				for _, el := range els {
					if len(el.listeners) != 1 {
						return false
					}
				}
			}
			return first == total && r.Len() == total
		},
		gen.SliceOfN(5, gen.IntRange(0, 4)),
		gen.IntRange(1, 6),
	))

	properties.Property("only the first click of a session is intercepted", prop.ForAll(
		func(buttons int, clicks []int) bool {
			h := newFakeHost("https://shop.example/checkout/spc")
			var els []*fakeElement
			for range buttons {
				els = append(els, h.add(`[data-testid="checkout-button"]`, "Checkout"))
			}
			g := newTestGuard(h, Options{})
			if !g.Initialize() {
				return false
			}
			for i, c := range clicks {
				if els[c%len(els)].click() != (i == 0) {
					return false
				}
			}
			return len(h.prompts) == 1
		},
		gen.IntRange(1, 5),
		gen.SliceOfN(8, gen.IntRange(0, 100)),
	))

	properties.Property("no click is cancelled after a bypass", prop.ForAll(
		func(before, after []int) bool {
			h := newFakeHost("https://shop.example/checkout/spc")
			els := []*fakeElement{
				h.add("#sc-buy-box-ptc-button", "Proceed"),
				h.add("#buyNowButton", "Buy now"),
				h.add(`[name="placeYourOrder1"]`, "Place your order"),
			}
			g := newTestGuard(h, Options{})
			g.Initialize()
			els[0].click()
			for _, c := range before {
				els[c%len(els)].click()
			}
			if err := g.Resolve(ChoiceContinue); err != nil {
				return false
			}
			return !slices.ContainsFunc(after, func(c int) bool {
				return els[c%len(els)].click()
			})
		},
		gen.SliceOf(gen.IntRange(0, 10)),
		gen.SliceOf(gen.IntRange(0, 10)),
	))

	properties.Property("messages come from the bucket of the hour", prop.ForAll(
		func(hour, pick, cents int) bool {
			total := fmt.Sprintf("$%d.%02d", cents/100, cents%100)
			msg, idx := NewComposer(fixedRand(pick)).ComposeIndexed(at(hour), total, "")
			want, err := Render(BucketFor(hour), idx, hour, total, "")
			if err != nil || msg != want {
				return false
			}
			for _, b := range []Bucket{BucketLateNight, BucketMorning, BucketAfternoon, BucketEvening} {
				if b == BucketFor(hour) {
					continue
				}
				for i := range TemplateCount(b) {
					if other, _ := Render(b, i, hour, total, ""); other == msg {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 23),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000000),
	))

	properties.TestingRun(t)
}
