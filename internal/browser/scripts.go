package browser

import (
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// handleAttr tags every element reported to the locator so a later Fill or
// Click can find the same node again.
const handleAttr = "data-formprobe-handle"

// kindSelectors maps a control kind to the CSS selector listing its members.
var kindSelectors = map[schemas.ControlKind]string{
	schemas.KindInputArea:     `textarea, [contenteditable="true"], [contenteditable=""], [role="textbox"][aria-multiline="true"]`,
	schemas.KindActionControl: `button, [role="button"], input[type="submit"], input[type="button"]`,
}

// rawElement is the shape returned by findScript.
type rawElement struct {
	Handle      string `json:"handle"`
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	Label       string `json:"label"`
	Placeholder string `json:"placeholder"`
	Visible     bool   `json:"visible"`
}

func (r rawElement) toElement(kind schemas.ControlKind) schemas.Element {
	return schemas.Element{
		Handle:      r.Handle,
		Kind:        kind,
		Index:       r.Index,
		Tag:         r.Tag,
		Role:        r.Role,
		Text:        r.Text,
		Label:       r.Label,
		Placeholder: r.Placeholder,
		Visible:     r.Visible,
	}
}

// findScript returns a script listing the elements of kind in document order
// with their accessible text and visibility.
func findScript(kind schemas.ControlKind) (string, error) {
	selector, ok := kindSelectors[kind]
	if !ok {
		return "", fmt.Errorf("unknown control kind %q", kind)
	}
	return fmt.Sprintf(`(function(kind, selector, attr) {
	const nodes = Array.from(document.querySelectorAll(selector));
	return nodes.map((node, index) => {
		let handle = node.getAttribute(attr);
		if (!handle) {
			window.__formprobeSeq = (window.__formprobeSeq || 0) + 1;
			handle = kind + "-" + window.__formprobeSeq;
			node.setAttribute(attr, handle);
		}
		const rect = node.getBoundingClientRect();
		const style = window.getComputedStyle(node);
		const visible = rect.width > 0 && rect.height > 0 && style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';

		let label = node.getAttribute('aria-label') || '';
		if (!label && node.labels && node.labels.length > 0) {
			label = node.labels[0].innerText || '';
		}
		const labelledBy = node.getAttribute('aria-labelledby');
		if (!label && labelledBy) {
			const ref = document.getElementById(labelledBy);
			if (ref) label = ref.innerText || '';
		}

		let text = '';
		if (node.tagName === 'INPUT') {
			text = node.value || '';
		} else if (node.tagName !== 'TEXTAREA') {
			text = node.innerText || node.textContent || '';
		}

		return {
			handle: handle,
			index: index,
			tag: node.tagName.toLowerCase(),
			role: node.getAttribute('role') || '',
			text: text.trim(),
			label: label.trim(),
			placeholder: node.getAttribute('placeholder') || node.getAttribute('title') || '',
			visible: visible
		};
	});
})(%s, %s, %s)`, jsonEncode(string(kind)), jsonEncode(selector), jsonEncode(handleAttr)), nil
}

// Fill script results.
const (
	fillDone        = "filled"
	fillMissing     = "missing"
	fillUnsupported = "unsupported"
)

// editableSelector finds the editable node inside a wrapper such as a
// role="textbox" container.
const editableSelector = `textarea, input:not([type="hidden"]), [contenteditable="true"], [contenteditable=""]`

// fillScript sets the value of the tagged element through the native setter
// and fires input and change events, so framework bound state sees the
// update. A wrapper without a value of its own is filled through its editable
// descendant, or through textContent when it is a bare textbox. The script
// evaluates to one of the fill result constants.
func fillScript(handle, value string) string {
	return fmt.Sprintf(`(function(attr, handle, value, editable, done, missing, unsupported) {
	const node = document.querySelector('[' + attr + '="' + CSS.escape(handle) + '"]');
	if (!node) return missing;
	const hasValue = (n) => n.tagName === 'TEXTAREA' || n.tagName === 'INPUT' || n.isContentEditable;
	let target = hasValue(node) ? node : node.querySelector(editable);
	if (target && !hasValue(target)) target = null;
	if (!target && node.getAttribute('role') !== 'textbox') return unsupported;

	(target || node).focus();
	if (!target) {
		node.textContent = value;
	} else if (target.isContentEditable) {
		target.innerText = value;
	} else {
		const proto = target.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
		setter.call(target, value);
	}
	const sink = target || node;
	sink.dispatchEvent(new Event('input', { bubbles: true }));
	sink.dispatchEvent(new Event('change', { bubbles: true }));
	return done;
})(%s, %s, %s, %s, %s, %s, %s)`,
		jsonEncode(handleAttr), jsonEncode(handle), jsonEncode(value), jsonEncode(editableSelector),
		jsonEncode(fillDone), jsonEncode(fillMissing), jsonEncode(fillUnsupported))
}

// bodyTextScript evaluates to the rendered text of the document body.
const bodyTextScript = `document.body ? document.body.innerText : ''`

// handleSelector is the CSS selector for a tagged element.
func handleSelector(handle string) string {
	return fmt.Sprintf(`[%s=%s]`, handleAttr, jsonEncode(handle))
}

func jsonEncode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

func decodeElements(raw []byte, kind schemas.ControlKind) ([]schemas.Element, error) {
	var items []rawElement
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("failed to decode %s elements: %w", kind, err)
	}
	els := make([]schemas.Element, len(items))
	for i, item := range items {
		els[i] = item.toElement(kind)
	}
	return els, nil
}
