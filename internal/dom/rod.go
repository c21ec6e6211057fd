package dom

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RodDocument evaluates small DOM functions inside a live page over CDP.
type RodDocument struct {
	page    *rod.Page
	binding string
}

// NewRodDocument wraps page. binding is the window function that injected
// containers forward their button clicks to; see browser.ExposeActions.
func NewRodDocument(page *rod.Page, binding string) *RodDocument {
	return &RodDocument{page: page, binding: binding}
}

const latestMessageJS = `(containerSel, messageSel) => {
	const box = document.querySelectorAll(containerSel)[0];
	if (!box) return null;
	const msg = box.querySelectorAll(messageSel)[0];
	if (!msg) return null;
	return msg.textContent || "";
}`

const existsJS = `(id) => document.getElementById(id) !== null`

const matchesJS = `(sel) => document.querySelector(sel) !== null`

const insertBeforeJS = `(targetSel, id, binding) => {
	if (document.getElementById(id)) return "already_present";
	const target = document.querySelector(targetSel);
	if (!target || !target.parentElement) return "target_missing";
	const div = document.createElement("div");
	div.id = id;
	div.addEventListener("click", (ev) => {
		const btn = ev.target.closest("[data-action]");
		if (!btn || btn.disabled) return;
		const fn = window[binding];
		if (typeof fn !== "function") return;
		fn({
			action: btn.dataset.action,
			tone: btn.dataset.tone || "",
			variant: btn.dataset.variant || ""
		});
	});
	target.before(div);
	return "inserted";
}`

const setHTMLJS = `(id, markup) => {
	const el = document.getElementById(id);
	if (!el) return false;
	el.innerHTML = markup;
	return true;
}`

// innerText keeps line breaks in contenteditable compose fields; the input
// event lets the host page notice the draft changed.
const replaceContentsJS = `(targetSel, text) => {
	const target = document.querySelector(targetSel);
	if (!target) return false;
	target.innerText = text;
	target.dispatchEvent(new Event("input", { bubbles: true }));
	return true;
}`

func (d *RodDocument) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	res, err := d.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate in page: %w", err)
	}
	return res, nil
}

func (d *RodDocument) LatestMessageText(ctx context.Context, containerSel, messageSel string) (string, bool, error) {
	res, err := d.eval(ctx, latestMessageJS, containerSel, messageSel)
	if err != nil {
		return "", false, err
	}
	if res == nil || res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (d *RodDocument) Exists(ctx context.Context, id string) (bool, error) {
	res, err := d.eval(ctx, existsJS, id)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (d *RodDocument) Matches(ctx context.Context, sel string) (bool, error) {
	res, err := d.eval(ctx, matchesJS, sel)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (d *RodDocument) InsertBefore(ctx context.Context, targetSel, id string) (InsertResult, error) {
	res, err := d.eval(ctx, insertBeforeJS, targetSel, id, d.binding)
	if err != nil {
		return TargetMissing, err
	}
	switch res.Value.Str() {
	case "inserted":
		return Inserted, nil
	case "already_present":
		return AlreadyPresent, nil
	default:
		return TargetMissing, nil
	}
}

func (d *RodDocument) SetHTML(ctx context.Context, id, markup string) error {
	res, err := d.eval(ctx, setHTMLJS, id, markup)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return ErrNodeMissing
	}
	return nil
}

func (d *RodDocument) ReplaceContents(ctx context.Context, targetSel, text string) (bool, error) {
	res, err := d.eval(ctx, replaceContentsJS, targetSel, text)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}
