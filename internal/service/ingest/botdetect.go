package ingest

import (
	"net/netip"
	"net/textproto"
	"strings"
)

// BotVerdict is the outcome of the multi-signal classifier. A request is a
// bot when two or more of the six independent checks fire; no single signal
// is trusted on its own.
type BotVerdict struct {
	IsBot   bool
	Signals []string
}

const botSignalThreshold = 2

// Request is the header/network view of one inbound call, as the detector
// and guard see it.
type Request struct {
	ClientIP    string
	Headers     map[string]string
	ContentType string
}

// Header does a case-tolerant lookup against the canonical header names the
// guard stores.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	return r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// uaSignatures are substrings of known bot, crawler and automation
// user agents.
var uaSignatures = []string{
	"bot", "crawler", "spider", "scraper", "slurp",
	"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
	"java/", "okhttp", "libwww", "httpclient", "phantomjs",
}

// automationSignatures are tooling fingerprints that indicate scripted
// browsers rather than crawlers; counted under the behavioral signal.
var automationSignatures = []string{
	"headlesschrome", "puppeteer", "playwright", "selenium", "webdriver",
	"electron", "cypress",
}

// suspiciousReferrers are referrer-spam domains seen in analytics abuse.
var suspiciousReferrers = []string{
	"semalt.", "buttons-for-website", "best-seo-offer", "7makemoneyonline",
	"free-share-buttons", "event-tracking.com", "darodar.",
}

// botNetworks are published crawler ranges (search engines' fetchers).
var botNetworks = parsePrefixes(
	"66.249.64.0/19",   // Googlebot
	"157.55.39.0/24",   // Bingbot
	"207.46.13.0/24",   // Bingbot
	"17.58.96.0/19",    // Applebot
	"40.77.167.0/24",   // Bingbot
)

// hostingNetworks are datacenter/hosting ranges that legitimate storefront
// browsers do not originate from.
var hostingNetworks = parsePrefixes(
	"3.0.0.0/8",        // AWS
	"13.52.0.0/14",     // AWS us-west
	"34.64.0.0/10",     // GCP
	"35.184.0.0/13",    // GCP
	"104.196.0.0/14",   // GCP
	"167.99.0.0/16",    // DigitalOcean
	"138.68.0.0/16",    // DigitalOcean
	"51.68.0.0/14",     // OVH
	"135.125.0.0/16",   // OVH
	"20.0.0.0/11",      // Azure
)

// essentialHeaders are headers every real browser request carries.
var essentialHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"}

func parsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func inNetworks(ip string, nets []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range nets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DetectBot runs the six independent checks and applies the two-signal
// threshold.
func DetectBot(req *Request) BotVerdict {
	var signals []string

	ua := strings.ToLower(req.Header("User-Agent"))

	// 1. User-agent signature match.
	for _, sig := range uaSignatures {
		if strings.Contains(ua, sig) {
			signals = append(signals, "ua_signature")
			break
		}
	}

	// 2. Known crawler network.
	if inNetworks(req.ClientIP, botNetworks) {
		signals = append(signals, "bot_network")
	}

	// 3. Referrer-spam pattern.
	referer := strings.ToLower(req.Header("Referer"))
	for _, pattern := range suspiciousReferrers {
		if referer != "" && strings.Contains(referer, pattern) {
			signals = append(signals, "suspicious_referrer")
			break
		}
	}

	// 4. Missing essential headers (two or more absent).
	missing := 0
	for _, name := range essentialHeaders {
		if req.Header(name) == "" {
			missing++
		}
	}
	if missing >= 2 {
		signals = append(signals, "missing_headers")
	}

	// 5. Hosting-provider origin.
	if inNetworks(req.ClientIP, hostingNetworks) {
		signals = append(signals, "hosting_network")
	}

	// 6. Behavioral red flags: automation tooling, a non-JSON content type
	// on an endpoint only ever called with JSON, or a request carrying
	// neither Origin nor Referer.
	behavioral := false
	for _, sig := range automationSignatures {
		if strings.Contains(ua, sig) {
			behavioral = true
			break
		}
	}
	if req.ContentType != "" && !strings.HasPrefix(req.ContentType, "application/json") {
		behavioral = true
	}
	if req.Header("Origin") == "" && req.Header("Referer") == "" {
		behavioral = true
	}
	if behavioral {
		signals = append(signals, "behavioral")
	}

	return BotVerdict{IsBot: len(signals) >= botSignalThreshold, Signals: signals}
}
