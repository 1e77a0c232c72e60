package guard

// ModalID is the DOM id hosts give the rendered intervention surface. Hosts
// refuse to render a second node with this id.
const ModalID = "buynothing-guard-modal"

// surfaceStyle pins the surface above the page in a full-viewport backdrop.
// Every rule is scoped to ModalID so page styles are left alone.
const surfaceStyle = `<style>` +
	`#` + ModalID + ` .buynothing-guard-backdrop{position:fixed;inset:0;z-index:2147483647;display:flex;align-items:center;justify-content:center;background:rgba(17,24,39,.6);font-family:system-ui,-apple-system,sans-serif}` +
	`#` + ModalID + ` .buynothing-guard-content{background:#fff;color:#111827;border-radius:12px;max-width:440px;width:calc(100% - 32px);box-shadow:0 20px 50px rgba(0,0,0,.3);overflow:hidden}` +
	`#` + ModalID + ` .buynothing-guard-header{display:flex;align-items:center;gap:8px;padding:16px 20px;border-bottom:1px solid #e5e7eb}` +
	`#` + ModalID + ` .buynothing-guard-header h2{flex:1;margin:0;font-size:18px}` +
	`#` + ModalID + ` .buynothing-guard-close{border:0;background:none;font-size:22px;cursor:pointer;color:#6b7280}` +
	`#` + ModalID + ` .buynothing-guard-body{padding:20px}` +
	`#` + ModalID + ` .buynothing-guard-message{margin:0 0 16px;font-size:15px;line-height:1.5}` +
	`#` + ModalID + ` .buynothing-guard-price-highlight{font-weight:700;color:#b91c1c}` +
	`#` + ModalID + ` .buynothing-guard-actions{display:flex;flex-direction:column;gap:8px}` +
	`#` + ModalID + ` .buynothing-guard-btn{padding:10px 14px;border-radius:8px;border:1px solid transparent;font-size:14px;cursor:pointer}` +
	`#` + ModalID + ` .buynothing-guard-btn-primary{background:#059669;color:#fff}` +
	`#` + ModalID + ` .buynothing-guard-btn-secondary{background:#f3f4f6;color:#111827}` +
	`#` + ModalID + ` .buynothing-guard-btn-tertiary{background:none;color:#6b7280;text-decoration:underline}` +
	`#` + ModalID + ` .buynothing-guard-footer{padding:10px 20px;font-size:12px;color:#9ca3af;text-align:center;border-top:1px solid #e5e7eb}` +
	`</style>`

// Prompt is everything a host needs to render the intervention surface.
type Prompt struct {
	// Message is the plain-text intervention message.
	Message string
	// HTML is Message escaped for HTML with prices highlighted.
	HTML string
	// CartTotal is the scraped total, or UnknownAmount.
	CartTotal string

	OnPractice func()
	OnSleep    func()
	OnContinue func()
}

// Choose invokes the callback for c. Unknown choices are ignored.
func (p Prompt) Choose(c Choice) {
	var fn func()
	switch c {
	case ChoicePractice:
		fn = p.OnPractice
	case ChoiceSleep:
		fn = p.OnSleep
	case ChoiceContinue:
		fn = p.OnContinue
	}
	if fn != nil {
		fn()
	}
}

// Markup returns the surface's HTML. Every button carries a data-choice
// attribute naming the Choice it resolves; the close button counts as sleep.
// The surface carries its own stylesheet, so removing the node removes it too.
func (p Prompt) Markup() string {
	return `<div id="` + ModalID + `" class="buynothing-guard-modal">` + surfaceStyle +
		`<div class="buynothing-guard-backdrop"><div class="buynothing-guard-content">` +
		`<div class="buynothing-guard-header"><div class="buynothing-guard-logo"></div><h2>BuyNothing Guard</h2>` +
		`<button class="buynothing-guard-close" data-choice="` + string(ChoiceSleep) + `">×</button></div>` +
		`<div class="buynothing-guard-body"><p class="buynothing-guard-message">` + p.HTML + `</p>` +
		`<div class="buynothing-guard-actions">` +
		`<button class="buynothing-guard-btn buynothing-guard-btn-primary" data-choice="` + string(ChoicePractice) + `">🏪 Practice Shopping Instead</button>` +
		`<button class="buynothing-guard-btn buynothing-guard-btn-secondary" data-choice="` + string(ChoiceSleep) + `">⏳ I'll Sleep on It</button>` +
		`<button class="buynothing-guard-btn buynothing-guard-btn-tertiary" data-choice="` + string(ChoiceContinue) + `">Continue to Purchase</button>` +
		`</div></div>` +
		`<div class="buynothing-guard-footer"><p>Practice mindful shopping with BuyNothing</p></div>` +
		`</div></div></div>`
}
