package session

import (
	"strings"

	"github.com/mssola/useragent"
)

// DeviceSummary condenses a User-Agent header into a short "browser on OS"
// label for audit trails and the session view. The raw header is too noisy
// and too high-entropy to store verbatim.
func DeviceSummary(rawUA string) string {
	if rawUA == "" {
		return ""
	}
	ua := useragent.New(rawUA)
	if ua.Bot() {
		return "bot"
	}

	browser, version := ua.Browser()
	if idx := strings.IndexByte(version, '.'); idx > 0 {
		version = version[:idx]
	}

	var b strings.Builder
	if browser != "" {
		b.WriteString(browser)
		if version != "" {
			b.WriteString(" ")
			b.WriteString(version)
		}
	}
	if os := ua.OS(); os != "" {
		if b.Len() > 0 {
			b.WriteString(" on ")
		}
		b.WriteString(os)
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
