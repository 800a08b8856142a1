package classifier

import (
	"strings"

	"github.com/sgerhart/netsentry/internal/model"
)

// processDomains maps a syslog tag to its domain. A known process decides the
// domain outright.
var processDomains = map[string]model.LogSourceType{
	"hostapd":        model.SourceWiFi,
	"wpa_supplicant": model.SourceWiFi,
	"iwinfo":         model.SourceWiFi,

	"dropbear":  model.SourceSecurity,
	"sshd":      model.SourceSecurity,
	"iptables":  model.SourceSecurity,
	"ip6tables": model.SourceSecurity,
	"nftables":  model.SourceSecurity,
	"firewall":  model.SourceSecurity,
	"fw3":       model.SourceSecurity,
	"fw4":       model.SourceSecurity,
	"uhttpd":    model.SourceSecurity,

	"kernel":     model.SourceHealth,
	"oom_reaper": model.SourceHealth,
	"procd":      model.SourceHealth,
	"watchdog":   model.SourceHealth,

	"netifd":       model.SourceConnectivity,
	"pppd":         model.SourceConnectivity,
	"odhcpd":       model.SourceConnectivity,
	"odhcp6c":      model.SourceConnectivity,
	"udhcpc":       model.SourceConnectivity,
	"dnsmasq-dhcp": model.SourceConnectivity,
	"dhcpd":        model.SourceConnectivity,
}

// domainKeywords are matched case-insensitively against the message when the
// process is unknown
var domainKeywords = []struct {
	domain   model.LogSourceType
	keywords []string
}{
	{model.SourceWiFi, []string{"hostapd", "802.11", "wpa", "ssid", "deauth", "sta "}},
	{model.SourceSecurity, []string{"dropbear", "iptables", "firewall", "login attempt", "bad password", "authentication failure"}},
	{model.SourceHealth, []string{"oom", "out of memory", "kernel panic", "segfault", "watchdog", "load average"}},
	{model.SourceConnectivity, []string{"netifd", "pppd", "dhcp", "carrier", "link is up", "link is down"}},
}

// Route picks exactly one domain for a line. A known process name wins;
// otherwise the message keywords must point at a single domain, and anything
// unmatched or ambiguous is generic.
func Route(processName, message string) model.LogSourceType {
	if d, ok := processDomains[strings.ToLower(processName)]; ok {
		return d
	}
	if strings.HasPrefix(strings.ToLower(processName), "dnsmasq") {
		return model.SourceConnectivity
	}

	msg := strings.ToLower(message)
	matched := model.SourceGeneric
	hits := 0
	for _, dk := range domainKeywords {
		for _, kw := range dk.keywords {
			if strings.Contains(msg, kw) {
				matched = dk.domain
				hits++
				break
			}
		}
	}
	if hits != 1 {
		return model.SourceGeneric
	}
	return matched
}
