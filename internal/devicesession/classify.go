package devicesession

import "strings"

// Generic labels used when a device name is not recognized.
const (
	KindDesktop = "desktop"
	KindPhone   = "phone"
	KindTablet  = "tablet"

	UnknownBrowser = "Unknown browser"
	UnknownOS      = "Unknown OS"
)

// DeviceInfo is a display classification of a device name.
type DeviceInfo struct {
	Kind    string `json:"kind"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

type rule struct {
	label string
	keys  []string
}

// Order matters: Edge and Opera user agents also mention Chrome, iPad agents mention Mac OS.
var (
	browserRules = []rule{
		{"Atlas CLI", []string{"atlasctl"}},
		{"Edge", []string{"edg/", "edge"}},
		{"Opera", []string{"opr/", "opera"}},
		{"Firefox", []string{"firefox", "fxios"}},
		{"Chrome", []string{"chrome", "chromium", "crios"}},
		{"Safari", []string{"safari"}},
	}
	osRules = []rule{
		{"iOS", []string{"iphone", "ipad", "ios"}},
		{"Android", []string{"android"}},
		{"Windows", []string{"windows"}},
		{"ChromeOS", []string{"cros", "chromeos", "chrome os"}},
		{"macOS", []string{"macos", "mac os", "macintosh", "os x"}},
		{"Linux", []string{"linux", "ubuntu", "fedora"}},
	}
	tabletKeys = []string{"ipad", "tablet", "kindle", "galaxy tab"}
	phoneKeys  = []string{"iphone", "android", "mobile", "phone", "pixel"}
)

// Classify derives kind, browser, and OS from a free-text device name or user agent.
// Unrecognized input gets the generic labels.
func Classify(name string) DeviceInfo {
	s := strings.ToLower(name)
	info := DeviceInfo{Kind: KindDesktop, Browser: match(s, browserRules, UnknownBrowser), OS: match(s, osRules, UnknownOS)}
	switch {
	case containsAny(s, tabletKeys):
		info.Kind = KindTablet
	case containsAny(s, phoneKeys):
		info.Kind = KindPhone
	}
	return info
}

// DeviceNameFromUserAgent builds a readable name such as "Chrome on macOS".
func DeviceNameFromUserAgent(ua string) string {
	info := Classify(ua)
	switch {
	case info.Browser == UnknownBrowser && info.OS == UnknownOS:
		return "Unknown device"
	case info.Browser == UnknownBrowser:
		return info.OS + " device"
	case info.OS == UnknownOS:
		return info.Browser
	}
	return info.Browser + " on " + info.OS
}

func match(s string, rules []rule, fallback string) string {
	for _, r := range rules {
		if containsAny(s, r.keys) {
			return r.label
		}
	}
	return fallback
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
