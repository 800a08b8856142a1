package classifier

import (
	"testing"
	"time"

	"github.com/sgerhart/netsentry/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arrival = time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)

func TestClassify_RFC3164(t *testing.T) {
	line := "<30>Jan  2 03:04:05 R1 hostapd[1234]: wlan0: STA aa:bb:cc:dd:ee:ff IEEE 802.11: auth fail reason=15"

	ev := Classify(line, "10.0.0.1", arrival)

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, arrival, ev.ArrivalTS)
	assert.Equal(t, "10.0.0.1", ev.SourceIP)
	assert.Equal(t, "R1", ev.Hostname)
	assert.Equal(t, "hostapd", ev.ProcessName)
	assert.Equal(t, 1234, ev.PID)
	assert.Equal(t, "info", ev.LogLevel)
	assert.Equal(t, "wlan0: STA aa:bb:cc:dd:ee:ff IEEE 802.11: auth fail reason=15", ev.Message)
	assert.Equal(t, model.SourceWiFi, ev.LogSourceType)

	require.NotNil(t, ev.OriginalTS)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *ev.OriginalTS)

	assert.Equal(t, "15", ev.StructuredFields["reason"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", ev.StructuredFields["mac"])
	assert.Equal(t, "wlan0", ev.StructuredFields["interface"])
	assert.Equal(t, "3", ev.StructuredFields["facility"])
}

func TestClassify_RFC3164WithoutHostname(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		process string
		pid     int
		message string
		domain  model.LogSourceType
	}{
		{
			name:    "tag with pid",
			line:    "<30>Jan  2 03:04:05 hostapd[12]: wlan0: auth fail",
			process: "hostapd",
			pid:     12,
			message: "wlan0: auth fail",
			domain:  model.SourceWiFi,
		},
		{
			name:    "tag without pid",
			line:    "<30>Jan  2 03:04:05 dropbear: Bad password attempt",
			process: "dropbear",
			message: "Bad password attempt",
			domain:  model.SourceSecurity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := classify(tt.line, "10.0.0.7", arrival)
			require.NoError(t, err)

			assert.Empty(t, ev.Hostname)
			assert.Equal(t, "10.0.0.7", ev.Device())
			assert.Equal(t, tt.process, ev.ProcessName)
			assert.Equal(t, tt.pid, ev.PID)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, tt.domain, ev.LogSourceType)
			assert.Equal(t, "info", ev.LogLevel)
			require.NotNil(t, ev.OriginalTS)
		})
	}
}

func TestClassify_RFC5424(t *testing.T) {
	line := "<34>1 2026-01-02T03:04:05.000Z R2 dropbear 567 - - Bad password attempt for 'root' from 192.168.1.50:5555"

	ev := Classify(line, "10.0.0.2", arrival)

	assert.Equal(t, "R2", ev.Hostname)
	assert.Equal(t, "dropbear", ev.ProcessName)
	assert.Equal(t, 567, ev.PID)
	assert.Equal(t, "crit", ev.LogLevel)
	assert.Equal(t, model.SourceSecurity, ev.LogSourceType)
	assert.Equal(t, "192.168.1.50", ev.StructuredFields["ip"])
	require.NotNil(t, ev.OriginalTS)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *ev.OriginalTS)
}

func TestClassify_Logread(t *testing.T) {
	line := "Fri Jan  2 03:04:05 2026 daemon.notice netifd: Interface 'wan' is now down"

	ev := Classify(line, "10.0.0.3", arrival)

	assert.Empty(t, ev.Hostname)
	assert.Equal(t, "10.0.0.3", ev.Device())
	assert.Equal(t, "netifd", ev.ProcessName)
	assert.Equal(t, "notice", ev.LogLevel)
	assert.Equal(t, model.SourceConnectivity, ev.LogSourceType)
	assert.Equal(t, "wan", ev.StructuredFields["interface"])
	assert.Equal(t, "daemon", ev.StructuredFields["facility_name"])
}

func TestClassify_LinkState(t *testing.T) {
	ev := Classify("<6>Jan  2 03:04:05 R1 kernel: [ 1.234] eth1: Link is Down", "10.0.0.1", arrival)

	assert.Equal(t, model.SourceHealth, ev.LogSourceType)
	assert.Equal(t, "down", ev.StructuredFields["state"])
	assert.Equal(t, "eth1", ev.StructuredFields["interface"])
}

func TestClassify_FallsBackToGeneric(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"no header", "something happened somewhere"},
		{"empty", ""},
		{"bad pri", "<999>Jan  2 03:04:05 R1 hostapd: x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := classify(tt.line, "10.0.0.9", arrival)

			var pf *ParseFailure
			require.ErrorAs(t, err, &pf)
			assert.Equal(t, model.SourceGeneric, ev.LogSourceType)
			assert.Equal(t, tt.line, ev.Message)
			assert.NotEmpty(t, ev.EventID)
			assert.Nil(t, ev.OriginalTS)
		})
	}
}

func TestClassify_UniqueEventIDs(t *testing.T) {
	a := Classify("x", "", arrival)
	b := Classify("x", "", arrival)
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestRoute(t *testing.T) {
	tests := []struct {
		process string
		message string
		want    model.LogSourceType
	}{
		{"hostapd", "anything", model.SourceWiFi},
		{"HOSTAPD", "anything", model.SourceWiFi},
		{"iptables", "DROP IN=wan", model.SourceSecurity},
		{"kernel", "oom-killer invoked", model.SourceHealth},
		{"pppd", "LCP terminated", model.SourceConnectivity},
		{"dnsmasq", "DHCPACK", model.SourceConnectivity},
		{"", "dhcp lease renewed", model.SourceConnectivity},
		{"myapp", "firewall rule reloaded", model.SourceSecurity},
		{"", "nothing to see", model.SourceGeneric},
		{"", "hostapd hit oom", model.SourceGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.process+"|"+tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.process, tt.message))
		})
	}
}

func TestLevelFromText(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"connection failed", "err"},
		{"WARNING: disk low", "warning"},
		{"kernel panic - not syncing", "emerg"},
		{"all good", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, levelFromText(tt.msg))
		})
	}
}

func TestExtractFields_QuotedValues(t *testing.T) {
	fields := extractFields(`user="admin user" src=10.1.1.1 ip=10.2.2.2`)

	assert.Equal(t, "admin user", fields["user"])
	assert.Equal(t, "10.1.1.1", fields["src"])
	assert.Equal(t, "10.2.2.2", fields["ip"])
}
