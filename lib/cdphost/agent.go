package cdphost

const (
	bindingName = "__buynothingGuard__"
	agentGlobal = "__buynothingGuardAgent__"
)

// agentScript runs in every document of the attached tab. It keeps element
// identity in a WeakMap so the page's DOM is never annotated, and reports back
// through the binding:
//
//	{"type":"mutation"}                         throttled structural changes
//	{"type":"click","id":..,"cancelled":bool}   clicks on listened elements
//	{"type":"choice","choice":..}               answers from the surface
//
// Because the guard's decision arrives asynchronously, the agent decides
// clicks itself from the mirrored "armed" flag (armed == nothing shown yet in
// this session) and the host replays a cancelled click the guard allows.
// A clicked choice removes the surface in the page before it is reported.
const agentScript = `
(function() {
  if (window.__buynothingGuardAgent__) return;

  const MODAL_ID = 'buynothing-guard-modal';
  const docKey = Math.random().toString(36).slice(2, 10);
  const ids = new WeakMap();
  const byId = new Map();
  const listened = new Set();
  let nextId = 0;
  let armed = false;
  let passThrough = null;

  function send(msg) {
    try { window.__buynothingGuard__(JSON.stringify(msg)); } catch (e) {}
  }

  function idOf(el) {
    let id = ids.get(el);
    if (!id) {
      id = docKey + ':' + (nextId++);
      ids.set(el, id);
      byId.set(id, new WeakRef(el));
    }
    return id;
  }

  function lookup(id) {
    const ref = byId.get(id);
    const el = ref && ref.deref();
    if (!el) byId.delete(id);
    return el;
  }

  function onClick(ev) {
    const id = idOf(ev.currentTarget);
    if (passThrough === id) {
      passThrough = null;
      return;
    }
    if (armed) {
      ev.preventDefault();
      ev.stopImmediatePropagation();
      send({type: 'click', id: id, cancelled: true});
      return;
    }
    send({type: 'click', id: id, cancelled: false});
  }

  const api = {
    url() { return location.href; },
    query(selector) {
      return Array.from(document.querySelectorAll(selector), (el) => ({id: idOf(el)}));
    },
    texts() {
      const out = [];
      const walker = document.createTreeWalker(document.body || document.documentElement, NodeFilter.SHOW_TEXT);
      let node;
      while ((node = walker.nextNode())) {
        const parent = node.parentElement;
        if (parent && (parent.tagName === 'SCRIPT' || parent.tagName === 'STYLE')) continue;
        const t = node.textContent.trim();
        if (t) out.push(t);
      }
      return out;
    },
    text(id) {
      const el = lookup(id);
      return el ? (el.textContent || '') : '';
    },
    listen(id, arm) {
      armed = arm;
      const el = lookup(id);
      if (!el || !el.isConnected) return false;
      if (!listened.has(id)) {
        listened.add(id);
        el.addEventListener('click', onClick, true);
      }
      return true;
    },
    arm(v) { armed = v; return armed; },
    replay(id) {
      const el = lookup(id);
      if (!el || !el.isConnected) return false;
      passThrough = id;
      el.click();
      return true;
    },
    render(markup) {
      if (document.getElementById(MODAL_ID)) return false;
      const holder = document.createElement('div');
      holder.innerHTML = markup;
      const modal = holder.firstElementChild;
      modal.addEventListener('click', (ev) => {
        const btn = ev.target.closest('[data-choice]');
        if (!btn) return;
        ev.preventDefault();
        ev.stopPropagation();
        modal.remove();
        send({type: 'choice', choice: btn.dataset.choice});
      });
      (document.body || document.documentElement).appendChild(modal);
      return true;
    },
    dismiss() {
      const modal = document.getElementById(MODAL_ID);
      if (modal) modal.remove();
      return !!modal;
    },
  };

  window.__buynothingGuardAgent__ = {
    invoke(name, args) {
      const fn = api[name];
      if (!fn) throw new Error('unknown agent call ' + name);
      return fn.apply(null, args);
    },
  };

  let timer = null;
  function changed() {
    if (timer) return;
    timer = setTimeout(() => { timer = null; send({type: 'mutation'}); }, 100);
  }
  function observe() {
    const target = document.body || document.documentElement;
    if (!target) {
      setTimeout(observe, 50);
      return;
    }
    new MutationObserver(changed).observe(target, {childList: true, subtree: true});
  }
  observe();
})();
`
