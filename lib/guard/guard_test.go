package guard_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/buynothing/guard/lib/guard"
	"github.com/buynothing/guard/lib/htmldom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type firstTemplate struct{}

func (firstTemplate) IntN(int) int { return 0 }

const checkoutPage = `<html><body>
<div id="nav"><span class="nav-line-1">Hello, sign in</span></div>
<div id="subtotals"><span class="grand-total-price">Order total: $183.55</span></div>
<button id="sc-buy-box-ptc-button">Proceed to checkout</button>
</body></html>`

func TestEndToEndLateNightCheckout(t *testing.T) {
	t.Parallel()
	doc, err := htmldom.New("https://www.amazon.com/dp/B0EXAMPLE", checkoutPage)
	require.NoError(t, err)

	g := guard.New(doc, guard.Options{
		Logger: silentLogger(),
		Rand:   firstTemplate{},
		Now:    func() time.Time { return time.Date(2024, 3, 14, 23, 5, 0, 0, time.UTC) },
	})
	require.True(t, g.Initialize())
	assert.Equal(t, 1, g.Instrumented())
	assert.Equal(t, guard.StateIdle, doc.Mirrored())

	prevented, err := doc.ClickSelector("#sc-buy-box-ptc-button")
	require.NoError(t, err)
	assert.True(t, prevented)
	assert.Empty(t, doc.Activated())

	p, ok := doc.Prompt()
	require.True(t, ok)
	assert.Contains(t, p.Message, "$183.55")
	late, err := guard.Render(guard.BucketLateNight, 0, 23, "$183.55", "")
	require.NoError(t, err)
	assert.Equal(t, late, p.Message)
	assert.True(t, strings.HasPrefix(p.Message, "It's 11PM"))
	assert.NotNil(t, doc.Find("#"+guard.ModalID))
	assert.Equal(t, guard.StateShown, doc.Mirrored())

	// the surface was closed without a bypass; the next click goes through
	_, err = doc.ClickSelector(`#buynothing-guard-modal .buynothing-guard-close`)
	require.NoError(t, err)
	assert.Nil(t, doc.Find("#"+guard.ModalID))

	prevented, err = doc.ClickSelector("#sc-buy-box-ptc-button")
	require.NoError(t, err)
	assert.False(t, prevented)
	assert.Len(t, doc.Activated(), 1)
	state, err := g.State()
	require.NoError(t, err)
	assert.Equal(t, guard.StateShown, state)
}

func TestContinueReloadsAndStaysBypassed(t *testing.T) {
	t.Parallel()
	doc, err := htmldom.New("https://www.amazon.com/gp/buy/spc/handlers/display.html", checkoutPage)
	require.NoError(t, err)
	store := guard.NewMemoryStore()

	g := guard.New(doc, guard.Options{
		Logger:       silentLogger(),
		Store:        store,
		PollInterval: 10 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
		ReloadDelay:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, func() bool { return g.Instrumented() == 1 }, 2*time.Second, 5*time.Millisecond)
	prevented, err := doc.ClickSelector("#sc-buy-box-ptc-button")
	require.NoError(t, err)
	require.True(t, prevented)

	_, err = doc.ClickSelector(`#buynothing-guard-modal [data-choice="continue"]`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return doc.Reloads() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the fresh document gets instrumented again and the flags survive
	require.Eventually(t, func() bool {
		return doc.Find("#sc-buy-box-ptc-button") != nil && g.Instrumented() == 1 && doc.Mirrored() == guard.StateBypassed
	}, 2*time.Second, 5*time.Millisecond)
	prevented, err = doc.ClickSelector("#sc-buy-box-ptc-button")
	require.NoError(t, err)
	assert.False(t, prevented)
	assert.Nil(t, doc.Find("#"+guard.ModalID))
}

func TestPracticeOpensSimulator(t *testing.T) {
	t.Parallel()
	doc, err := htmldom.New("https://www.amazon.com/checkout/spc", checkoutPage)
	require.NoError(t, err)
	g := guard.New(doc, guard.Options{
		Logger: silentLogger(),
		Rules:  guard.Rules{PracticeURL: "https://practice.example"},
	})
	require.True(t, g.Initialize())

	_, err = doc.ClickSelector("#sc-buy-box-ptc-button")
	require.NoError(t, err)
	require.NoError(t, doc.Choose(guard.ChoicePractice))
	assert.Equal(t, []string{"https://practice.example"}, doc.Opened())
	assert.False(t, g.SurfaceOpen())
}

func TestSinglePageNavigationRescan(t *testing.T) {
	t.Parallel()
	doc, err := htmldom.New("https://shop.example/", `<html><body><p>Browse</p></body></html>`)
	require.NoError(t, err)

	g := guard.New(doc, guard.Options{
		Logger:       silentLogger(),
		PollInterval: 10 * time.Millisecond,
		SettleDelay:  20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	// not a checkout page: nothing to guard yet
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, g.Instrumented())

	doc.Navigate("https://shop.example/checkout/spc")
	require.NoError(t, doc.AppendHTML("body", `<button data-testid="checkout-button">Place order</button>`))

	require.Eventually(t, func() bool { return g.Instrumented() == 1 }, 2*time.Second, 5*time.Millisecond)
	prevented, err := doc.ClickSelector(`[data-testid="checkout-button"]`)
	require.NoError(t, err)
	assert.True(t, prevented)
}

func TestMutationRescanGuardsLateButtons(t *testing.T) {
	t.Parallel()
	doc, err := htmldom.New("https://shop.example/checkout/spc", `<html><body><div id="app"></div></body></html>`)
	require.NoError(t, err)

	g := guard.New(doc, guard.Options{Logger: silentLogger(), PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	require.Eventually(t, func() bool {
		// Run may not have installed the observer yet; keep mutating
		_ = doc.Remove("#buyNowButton")
		_ = doc.AppendHTML("#app", `<button id="buyNowButton">Buy now</button>`)
		return g.Instrumented() > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, doc.AppendHTML("#app", `<span class="a-button-primary">Checkout</span>`))
	require.Eventually(t, func() bool {
		prevented, err := doc.ClickSelector(".a-button-primary")
		return err == nil && prevented
	}, 2*time.Second, 20*time.Millisecond)
}
