package chrome

import (
	"encoding/json"
	"fmt"
	"strings"
)

// prelude holds the page helpers every script uses. The form rules match
// the httpform driver: the application form is the first form with a
// visible named control and no password input.
const prelude = `
const skipped = new Set(["hidden", "submit", "button", "reset", "image"]);
const controlType = (el) => {
	const tag = el.tagName.toLowerCase();
	if (tag === "textarea" || tag === "select") return tag;
	return (el.getAttribute("type") || "text").trim().toLowerCase() || "text";
};
const visible = (el) => !el.hidden && el.getAttribute("aria-hidden") !== "true" &&
	(el.type === "file" || el.getClientRects().length > 0);
const clean = (s) => (s || "").replace(/\s+/g, " ").trim().replace(/[*: ]+$/, "");
const labelFor = (form, el) => {
	if (el.id) {
		const l = form.querySelector('label[for="' + CSS.escape(el.id) + '"]');
		if (l) return clean(l.textContent);
	}
	const wrap = el.closest("label");
	if (wrap) return clean(wrap.textContent);
	for (const a of ["aria-label", "placeholder", "title"]) {
		const v = clean(el.getAttribute(a));
		if (v) return v;
	}
	return el.getAttribute("name");
};
const controls = (form) => {
	const seen = new Set();
	const out = [];
	for (const el of form.querySelectorAll("input, textarea, select")) {
		const name = (el.getAttribute("name") || "").trim();
		const type = controlType(el);
		if (!name || skipped.has(type) || seen.has(name) || !visible(el)) continue;
		seen.add(name);
		out.push({
			name: name,
			label: labelFor(form, el),
			type: type,
			required: el.required || el.getAttribute("aria-required") === "true",
		});
	}
	return out;
};
const applicationForm = () => {
	for (const f of document.forms) {
		if (f.querySelector('input[type="password"]')) continue;
		if (controls(f).length > 0) return f;
	}
	return null;
};
const loginForm = () => {
	for (const f of document.forms) {
		if (f.querySelector('input[type="password"]')) return f;
	}
	return null;
};
const submitter = (form) => form && form.querySelector('button[type="submit"], input[type="submit"], button:not([type])');
const pressable = (btn) => (btn.textContent + " " + (btn.value || "")).trim().toLowerCase();
const setValue = (el, value) => {
	if (el.type === "checkbox" || el.type === "radio") {
		el.checked = value !== "" && value !== "false";
	} else {
		el.value = value;
	}
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
};
`

const (
	fieldsScript = `(() => {
	const form = applicationForm();
	return form ? controls(form) : [];
})()`

	pageStateScript = `(() => ({
	login: loginForm() !== null,
	application: applicationForm() !== null,
}))()`

	// captchaScript reports an unsolved challenge: a widget is on the page
	// and none of the response tokens it writes on success is filled.
	captchaScript = `(() => {
	const widget = document.querySelectorAll(".g-recaptcha, .h-captcha, .cf-turnstile, [data-sitekey]").length > 0 ||
		[...document.querySelectorAll("iframe[src]")].some((f) => f.src.toLowerCase().includes("captcha"));
	if (!widget) return false;
	const tokens = document.querySelectorAll('[name="g-recaptcha-response"], [name="h-captcha-response"], [name="cf-turnstile-response"]');
	return ![...tokens].some((t) => (t.value || "").trim() !== "");
})()`

	settleScript = `(() => window.__autopilotPending === true ? "pending" : document.readyState)()`

	htmlScript = `document.documentElement.outerHTML`
)

// fillFunction sets a control of the application form, or of the login form
// when login is true.
const fillFunction = `((name, value, login) => {
	const form = login ? loginForm() : applicationForm();
	if (!form) return false;
	const el = [...form.querySelectorAll("input, textarea, select")].find((e) => e.getAttribute("name") === name);
	if (!el) return false;
	setValue(el, value);
	return true;
})`

// pressFunction marks the document, presses the submit control of the
// application form, or of the login form when login is true, and returns
// its caption. A new document drops the mark.
const pressFunction = `((login) => {
	const btn = submitter(login ? loginForm() : applicationForm());
	if (!btn) return "";
	window.__autopilotPending = true;
	const caption = pressable(btn) || "submit";
	btn.click();
	return caption;
})`

// loginFieldsFunction names the first text-like input and the password
// input of the login form.
const loginFieldsFunction = `(() => {
	const form = loginForm();
	if (!form) return null;
	let user = "", pass = "";
	for (const el of form.querySelectorAll("input")) {
		const name = el.getAttribute("name") || "";
		const type = controlType(el);
		if (!user && name && (type === "text" || type === "email")) user = name;
		if (!pass && name && type === "password") pass = name;
	}
	return { user: user, pass: pass };
})`

// wrap runs expression with the helpers in scope.
func wrap(expression string) string {
	return "(() => {" + prelude + "\nreturn " + expression + ";\n})()"
}

// call builds an expression applying fn to JSON-encoded args.
func call(fn string, args ...any) (string, error) {
	encoded := make([]string, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode script argument: %w", err)
		}
		encoded = append(encoded, string(b))
	}
	return wrap(fmt.Sprintf("%s(%s)", fn, strings.Join(encoded, ", "))), nil
}
