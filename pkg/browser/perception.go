// -- pkg/browser/perception.go --
package browser

import "fmt"

// perceptionScript builds the in-page probe. It collects interactive
// elements, coarse page hints and anti-bot markers in a single evaluation
// so the snapshot is internally consistent.
func perceptionScript(maxElements int) string {
	if maxElements <= 0 {
		maxElements = 150
	}
	return fmt.Sprintf(perceptionJS, maxElements)
}

const perceptionJS = `(() => {
	const limit = %d;
	const elements = [];
	const nodes = document.querySelectorAll(
		"a,button,input,select,textarea,form,[role],[tabindex],[onclick],[data-testid]");
	let seq = 0;
	for (const el of nodes) {
		if (elements.length >= limit) break;
		const rect = el.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const tag = el.tagName.toLowerCase();
		let role = el.getAttribute("role") || tag;
		if (tag === "input") role = (el.getAttribute("type") || "input").toLowerCase();
		const label = (el.getAttribute("aria-label") || el.getAttribute("placeholder") ||
			el.getAttribute("name") || (el.innerText || "").trim()).slice(0, 80);
		let id = el.id;
		if (!id) {
			const name = el.getAttribute("name") || el.getAttribute("data-testid") || "";
			id = name ? tag + ":" + name : tag + "#" + (seq++);
		}
		elements.push({
			id: id,
			role: role,
			label: label,
			bbox: {x: rect.x, y: rect.y, w: rect.width, h: rect.height},
			confidence: 1.0,
		});
	}

	const bodyText = (document.body ? document.body.innerText : "").slice(0, 2000);
	const lower = bodyText.toLowerCase();
	const html = document.documentElement.outerHTML.slice(0, 100000);

	let antibot = "";
	let provider = "";
	if (html.includes("g-recaptcha") || html.includes("google.com/recaptcha")) {
		antibot = "captcha"; provider = "recaptcha";
	} else if (html.includes("h-captcha") || html.includes("hcaptcha.com")) {
		antibot = "captcha"; provider = "hcaptcha";
	} else if (html.includes("challenges.cloudflare.com/turnstile")) {
		antibot = "captcha"; provider = "turnstile";
	} else if (html.includes("cf-browser-verification") || html.includes("cf_chl_") ||
		lower.includes("checking your browser before accessing")) {
		antibot = "cf_challenge";
	} else if (lower.includes("too many requests") || lower.includes("rate limit")) {
		antibot = "rate_limit";
	} else if (lower.includes("sign in to continue") || lower.includes("log in to continue")) {
		antibot = "login_wall";
	} else if (lower.includes("one more step") && lower.includes("verify")) {
		antibot = "interstitial";
	}

	let pageType = "";
	const url = location.pathname.toLowerCase();
	const hasPassword = !!document.querySelector('input[type="password"]');
	if (/register|signup|sign-up/.test(url)) pageType = "registration";
	else if (/login|signin|sign-in/.test(url)) pageType = "login";
	else if (/dashboard|account|profile|home/.test(url) && !hasPassword) pageType = "dashboard";
	else if (document.querySelector("form")) pageType = "form";

	return {
		lang: document.documentElement.lang || "",
		text: bodyText,
		dialogs: document.querySelectorAll('[role="dialog"],dialog[open],[aria-modal="true"]').length,
		loading: document.readyState !== "complete",
		pageType: pageType,
		antibot: antibot,
		provider: provider,
		elements: elements,
	};
})()`
