package rewrite

import "strings"

// scriptMarker identifies an already-injected page.
const scriptMarker = `data-proxywarp-injected="true"`

// BuildScript renders the client-side interceptor for one proxied page.
// The payload is a plain string parametrised by three values; token and
// the two hostnames are validated lowercase label sequences, so literal
// interpolation cannot break out of the JS string context.
func BuildScript(token, baseDomain, upstream string) string {
	r := strings.NewReplacer(
		"__TOKEN__", token,
		"__BASE_DOMAIN__", baseDomain,
		"__UPSTREAM__", upstream,
	)
	return r.Replace(clientScript)
}

// clientScript intercepts same-origin navigation at the browser level so
// client-side routing cannot escape the proxied subdomain. Five hooks:
// history API, Location mutation, link clicks, DOM insertions, and
// fetch/XHR. Everything routes through proxied(), which leaves external
// and already-proxied URLs alone.
const clientScript = `<script data-proxywarp-injected="true">
(function () {
  "use strict";
  if (window.__proxywarpInstalled) { return; }
  window.__proxywarpInstalled = true;

  var TOKEN = "__TOKEN__";
  var BASE_DOMAIN = "__BASE_DOMAIN__";
  var UPSTREAM = "__UPSTREAM__";
  var PROXY_ORIGIN = "https://" + TOKEN + "." + BASE_DOMAIN;
  var ABSOLUTE = /^https?:\/\//i;
  var SPECIAL = /^(#|javascript:|mailto:|tel:)/i;

  function isExternal(url) {
    if (typeof url !== "string" || !ABSOLUTE.test(url)) { return false; }
    try {
      var host = new URL(url).hostname.toLowerCase();
      return host !== UPSTREAM && host !== "www." + UPSTREAM;
    } catch (e) {
      return false;
    }
  }

  function proxied(url) {
    if (typeof url !== "string" || url === "") { return url; }
    if (url.indexOf(BASE_DOMAIN) !== -1) { return url; }
    if (SPECIAL.test(url)) { return url; }
    if (ABSOLUTE.test(url)) {
      if (isExternal(url)) { return url; }
      try {
        var u = new URL(url);
        return PROXY_ORIGIN + u.pathname + u.search + u.hash;
      } catch (e) {
        return url;
      }
    }
    if (url.charAt(0) === "/") { return PROXY_ORIGIN + url; }
    return url; // relative: the <base> tag resolves it
  }

  function rewriteTree(root) {
    if (!root || root.nodeType !== 1) { return; }
    var anchors = root.tagName === "A" ? [root] : root.querySelectorAll("a[href]");
    Array.prototype.forEach.call(anchors, function (a) {
      var href = a.getAttribute("href");
      if (!href || SPECIAL.test(href)) { return; }
      if (href.indexOf(BASE_DOMAIN) !== -1 || isExternal(href)) { return; }
      a.setAttribute("href", proxied(href));
    });
    var forms = root.tagName === "FORM" ? [root] : root.querySelectorAll("form[action]");
    Array.prototype.forEach.call(forms, function (f) {
      var action = f.getAttribute("action");
      if (!action) { return; }
      if (action.indexOf(BASE_DOMAIN) !== -1 || isExternal(action)) { return; }
      f.setAttribute("action", proxied(action));
    });
  }

  function install() {
    // 1. History API.
    ["pushState", "replaceState"].forEach(function (name) {
      var orig = history[name];
      history[name] = function (state, title, url) {
        if (url !== undefined && url !== null) { url = proxied(String(url)); }
        return orig.call(this, state, title, url);
      };
    });

    // 2. Location mutation.
    try {
      var proto = Object.getPrototypeOf(window.location) || Location.prototype;
      var desc = Object.getOwnPropertyDescriptor(proto, "href");
      if (desc && desc.set) {
        Object.defineProperty(proto, "href", {
          get: desc.get,
          set: function (v) { desc.set.call(this, proxied(String(v))); },
          configurable: true
        });
      }
      ["assign", "replace"].forEach(function (name) {
        var orig = Location.prototype[name];
        if (orig) {
          Location.prototype[name] = function (u) {
            return orig.call(this, proxied(String(u)));
          };
        }
      });
    } catch (e) { /* locked down in some browsers */ }

    // 3. Link clicks, capture phase.
    document.addEventListener("click", function (ev) {
      var node = ev.target;
      while (node && node.nodeType === 1 && node.tagName !== "A") {
        node = node.parentElement;
      }
      if (!node || node.tagName !== "A") { return; }
      var href = node.getAttribute("href");
      if (!href || SPECIAL.test(href)) { return; }
      if (href.indexOf(BASE_DOMAIN) !== -1 || isExternal(href)) { return; }
      ev.preventDefault();
      window.location.href = proxied(href);
    }, true);

    // 4. Dynamically inserted links and forms.
    new MutationObserver(function (mutations) {
      mutations.forEach(function (m) {
        Array.prototype.forEach.call(m.addedNodes, rewriteTree);
      });
    }).observe(document.documentElement, { childList: true, subtree: true });

    // 5. fetch and XHR.
    if (window.fetch) {
      var origFetch = window.fetch;
      window.fetch = function (input, init) {
        if (typeof input === "string") {
          input = proxied(input);
        } else if (typeof Request !== "undefined" && input instanceof Request) {
          input = new Request(proxied(input.url), input);
        }
        return origFetch.call(this, input, init);
      };
    }
    var origOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function (method, url) {
      if (typeof url === "string") { url = proxied(url); }
      var rest = Array.prototype.slice.call(arguments, 2);
      return origOpen.apply(this, [method, url].concat(rest));
    };

    rewriteTree(document.documentElement);
  }

  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", install);
  } else {
    install();
  }
})();
</script>`
