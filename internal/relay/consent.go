package relay

import "strings"

// The only consent keys GA4 accepts on Measurement Protocol payloads.
// Everything else consent-related is dropped.
const (
	ConsentAdUserData        = "ad_user_data"
	ConsentAdPersonalization = "ad_personalization"

	ConsentGranted = "GRANTED"
	ConsentDenied  = "DENIED"
)

// NormalizeConsent clamps arbitrary consent input to the two allowed keys.
// Missing or unrecognized values default to DENIED (fail closed).
func NormalizeConsent(in map[string]string) map[string]string {
	out := map[string]string{
		ConsentAdUserData:        ConsentDenied,
		ConsentAdPersonalization: ConsentDenied,
	}
	for _, key := range []string{ConsentAdUserData, ConsentAdPersonalization} {
		if strings.EqualFold(in[key], ConsentGranted) {
			out[key] = ConsentGranted
		}
	}
	return out
}

// consentDenied reports whether redaction applies: either key resolving to
// DENIED strips identity and precise-location data from the payload.
func consentDenied(consent map[string]string) bool {
	return consent[ConsentAdUserData] != ConsentGranted ||
		consent[ConsentAdPersonalization] != ConsentGranted
}

// identityParams are the identity-adjacent event parameters removed under
// denied consent, alongside the top-level user_id.
var identityParams = []string{"user_id", "customer_id", "login_status"}

// preciseGeoParams are the city-level location fields removed under denied
// consent in favor of the coarse timezone-derived region.
var preciseGeoParams = []string{
	"geo_city", "geo_region", "geo_latitude", "geo_longitude", "geo_postal_code",
}

// Region is the coarse location derived from a timezone: country and
// continent only, never city-level.
type Region struct {
	CountryID   string `json:"country_id,omitempty"`
	ContinentID string `json:"continent_id,omitempty"`
}

// timezoneRegions maps IANA timezone names to coarse regions. Only the
// zones actually seen in traffic need entries; unknown zones fall back to a
// continent guess from the zone prefix.
var timezoneRegions = map[string]Region{
	"Europe/Amsterdam":     {CountryID: "NL", ContinentID: "150"},
	"Europe/Brussels":      {CountryID: "BE", ContinentID: "150"},
	"Europe/Berlin":        {CountryID: "DE", ContinentID: "150"},
	"Europe/Paris":         {CountryID: "FR", ContinentID: "150"},
	"Europe/London":        {CountryID: "GB", ContinentID: "150"},
	"Europe/Madrid":        {CountryID: "ES", ContinentID: "150"},
	"Europe/Rome":          {CountryID: "IT", ContinentID: "150"},
	"Europe/Lisbon":        {CountryID: "PT", ContinentID: "150"},
	"Europe/Vienna":        {CountryID: "AT", ContinentID: "150"},
	"Europe/Zurich":        {CountryID: "CH", ContinentID: "150"},
	"Europe/Stockholm":     {CountryID: "SE", ContinentID: "150"},
	"Europe/Oslo":          {CountryID: "NO", ContinentID: "150"},
	"Europe/Copenhagen":    {CountryID: "DK", ContinentID: "150"},
	"Europe/Dublin":        {CountryID: "IE", ContinentID: "150"},
	"Europe/Warsaw":        {CountryID: "PL", ContinentID: "150"},
	"Europe/Prague":        {CountryID: "CZ", ContinentID: "150"},
	"America/New_York":     {CountryID: "US", ContinentID: "019"},
	"America/Chicago":      {CountryID: "US", ContinentID: "019"},
	"America/Denver":       {CountryID: "US", ContinentID: "019"},
	"America/Los_Angeles":  {CountryID: "US", ContinentID: "019"},
	"America/Toronto":      {CountryID: "CA", ContinentID: "019"},
	"America/Vancouver":    {CountryID: "CA", ContinentID: "019"},
	"America/Mexico_City":  {CountryID: "MX", ContinentID: "019"},
	"America/Sao_Paulo":    {CountryID: "BR", ContinentID: "019"},
	"Asia/Tokyo":           {CountryID: "JP", ContinentID: "142"},
	"Asia/Shanghai":        {CountryID: "CN", ContinentID: "142"},
	"Asia/Singapore":       {CountryID: "SG", ContinentID: "142"},
	"Asia/Hong_Kong":       {CountryID: "HK", ContinentID: "142"},
	"Asia/Seoul":           {CountryID: "KR", ContinentID: "142"},
	"Asia/Kolkata":         {CountryID: "IN", ContinentID: "142"},
	"Asia/Dubai":           {CountryID: "AE", ContinentID: "142"},
	"Australia/Sydney":     {CountryID: "AU", ContinentID: "009"},
	"Australia/Melbourne":  {CountryID: "AU", ContinentID: "009"},
	"Pacific/Auckland":     {CountryID: "NZ", ContinentID: "009"},
	"Africa/Johannesburg":  {CountryID: "ZA", ContinentID: "002"},
	"Africa/Cairo":         {CountryID: "EG", ContinentID: "002"},
	"Africa/Lagos":         {CountryID: "NG", ContinentID: "002"},
}

var continentByPrefix = map[string]string{
	"Europe":     "150",
	"America":    "019",
	"Asia":       "142",
	"Australia":  "009",
	"Pacific":    "009",
	"Africa":     "002",
	"Antarctica": "010",
}

// RegionFromTimezone resolves an IANA timezone to a coarse region. Unknown
// zones yield a continent-only region when the prefix is recognized, or a
// zero Region otherwise.
func RegionFromTimezone(tz string) Region {
	if r, ok := timezoneRegions[tz]; ok {
		return r
	}
	prefix, _, found := strings.Cut(tz, "/")
	if !found {
		return Region{}
	}
	return Region{ContinentID: continentByPrefix[prefix]}
}
