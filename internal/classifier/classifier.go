package classifier

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sgerhart/netsentry/internal/model"
)

// Syslog line shapes, tried in order
var (
	// <PRI>1 TIMESTAMP HOSTNAME APP-NAME PROCID MSGID [SD] MSG
	rfc5424Regex = regexp.MustCompile(`^<(\d{1,3})>1 (\S+) (\S+) (\S+) (\S+) \S+ (?:-|(?:\[.*?\])+)(?: (.*))?$`)
	// <PRI>Mmm dd hh:mm:ss HOSTNAME TAG[PID]: MSG
	rfc3164Regex = regexp.MustCompile(`^(?:<(\d{1,3})>)?([A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2}) (\S+) ([^\s:\[]+)(?:\[(\d+)\])?: ?(.*)$`)
	// <PRI>Mmm dd hh:mm:ss TAG[PID]: MSG, as sent by daemons that omit the host
	rfc3164TagRegex = regexp.MustCompile(`^(?:<(\d{1,3})>)?([A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2}) ([^\s:\[]+)(?:\[(\d+)\])?: ?(.*)$`)
	// OpenWrt logread: Www Mmm dd hh:mm:ss yyyy facility.level TAG[PID]: MSG
	logreadRegex = regexp.MustCompile(`^[A-Z][a-z]{2} ([A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2} \d{4}) (\w+)\.(\w+) ([^\s:\[]+)(?:\[(\d+)\])?: ?(.*)$`)
)

// Tokens extracted into structured fields
var (
	kvRegex        = regexp.MustCompile(`\b([A-Za-z_][\w.-]*)=("[^"]*"|[^\s,;]+)`)
	macRegex       = regexp.MustCompile(`\b[0-9a-fA-F]{2}(?::[0-9a-fA-F]{2}){5}\b`)
	ipv4Regex      = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
	interfaceRegex = regexp.MustCompile(`\b(eth\d+(?:\.\d+)?|wlan\d+(?:-\d+)?|phy\d+-[a-z]+\d*|br-[\w-]+|pppoe-[\w-]+|lan\d*|wan6?)\b`)
	linkStateRegex = regexp.MustCompile(`(?i)\b(?:link is|link|carrier|state) (up|down)\b`)
	severityRegex  = regexp.MustCompile(`(?i)\b(emerg|panic|alert|crit|critical|fatal|err|error|fail(?:ed|ure)?|warn|warning|notice|info|debug)\b`)
)

// syslog severity names indexed by PRI & 7
var syslogSeverities = [8]string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

// ParseFailure describes a line that matched no known syslog shape. It never
// escapes the classifier; the line becomes a generic event.
type ParseFailure struct {
	Line   string
	Reason string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("unparseable log line (%s): %.80q", e.Reason, e.Line)
}

type header struct {
	pri        int
	hasPRI     bool
	ts         *time.Time
	hostname   string
	process    string
	pid        int
	level      string
	message    string
	structured map[string]string
}

// Classify parses a raw log line into a ParsedLogEvent. It never fails: a
// line that matches no syslog shape becomes a generic event carrying the whole
// line as message.
func Classify(raw, sourceIP string, arrival time.Time) model.ParsedLogEvent {
	ev, _ := classify(raw, sourceIP, arrival)
	return ev
}

// classify also reports the parse failure, if any, for metrics
func classify(raw, sourceIP string, arrival time.Time) (model.ParsedLogEvent, error) {
	line := strings.TrimRight(raw, "\r\n")
	ev := model.ParsedLogEvent{
		EventID:   uuid.New().String(),
		ArrivalTS: arrival.UTC(),
		SourceIP:  sourceIP,
	}

	h, err := parseHeader(line, arrival)
	if err != nil {
		ev.Message = line
		ev.LogLevel = levelFromText(line)
		ev.LogSourceType = model.SourceGeneric
		ev.StructuredFields = extractFields(line)
		return ev, err
	}

	ev.OriginalTS = h.ts
	ev.Hostname = h.hostname
	ev.ProcessName = h.process
	ev.PID = h.pid
	ev.Message = h.message
	switch {
	case h.level != "":
		ev.LogLevel = h.level
	case h.hasPRI:
		ev.LogLevel = syslogSeverities[h.pri&7]
	default:
		ev.LogLevel = levelFromText(h.message)
	}

	ev.StructuredFields = extractFields(h.message)
	for k, v := range h.structured {
		if _, ok := ev.StructuredFields[k]; !ok {
			ev.StructuredFields[k] = v
		}
	}
	if h.hasPRI {
		ev.StructuredFields["facility"] = strconv.Itoa(h.pri >> 3)
	}
	ev.LogSourceType = Route(ev.ProcessName, ev.Message)
	return ev, nil
}

func parseHeader(line string, arrival time.Time) (*header, error) {
	if line == "" {
		return nil, &ParseFailure{Line: line, Reason: "empty"}
	}

	if m := rfc5424Regex.FindStringSubmatch(line); m != nil {
		h := &header{hostname: nilValue(m[3]), process: nilValue(m[4]), message: m[6]}
		if err := h.setPRI(m[1]); err != nil {
			return nil, &ParseFailure{Line: line, Reason: err.Error()}
		}
		if ts, err := time.Parse(time.RFC3339Nano, m[2]); err == nil {
			ts = ts.UTC()
			h.ts = &ts
		}
		h.pid, _ = strconv.Atoi(m[5])
		return h, nil
	}

	if m := logreadRegex.FindStringSubmatch(line); m != nil {
		h := &header{process: m[4], message: m[6]}
		if ts, err := time.ParseInLocation("Jan _2 15:04:05 2006", m[1], time.UTC); err == nil {
			h.ts = &ts
		}
		h.level = m[3]
		h.structured = map[string]string{"facility_name": m[2]}
		h.pid, _ = strconv.Atoi(m[5])
		return h, nil
	}

	// a tag directly after the timestamp means no hostname; the device falls
	// back to the source address
	if m := rfc3164TagRegex.FindStringSubmatch(line); m != nil {
		return parse3164(line, arrival, m[1], m[2], "", m[3], m[4], m[5])
	}
	if m := rfc3164Regex.FindStringSubmatch(line); m != nil {
		return parse3164(line, arrival, m[1], m[2], m[3], m[4], m[5], m[6])
	}

	return nil, &ParseFailure{Line: line, Reason: "no syslog header"}
}

func parse3164(line string, arrival time.Time, pri, stamp, hostname, tag, pid, msg string) (*header, error) {
	h := &header{hostname: hostname, process: tag, message: msg}
	if pri != "" {
		if err := h.setPRI(pri); err != nil {
			return nil, &ParseFailure{Line: line, Reason: err.Error()}
		}
	}
	if ts, err := time.ParseInLocation("Jan _2 15:04:05", strings.Join(strings.Fields(stamp), " "), time.UTC); err == nil {
		// RFC3164 carries no year; assume the arrival year, rolling back
		// across New Year
		ts = ts.AddDate(arrival.UTC().Year(), 0, 0)
		if ts.After(arrival.UTC().Add(24 * time.Hour)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		h.ts = &ts
	}
	h.pid, _ = strconv.Atoi(pid)
	return h, nil
}

func (h *header) setPRI(s string) error {
	pri, err := strconv.Atoi(s)
	if err != nil || pri > 191 {
		return fmt.Errorf("invalid PRI %q", s)
	}
	h.pri = pri
	h.hasPRI = true
	return nil
}

func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// levelFromText scans a message for a severity keyword, defaulting to info
func levelFromText(msg string) string {
	m := severityRegex.FindStringSubmatch(msg)
	if m == nil {
		return "info"
	}
	switch kw := strings.ToLower(m[1]); kw {
	case "emerg", "panic":
		return "emerg"
	case "alert":
		return "alert"
	case "crit", "critical", "fatal":
		return "crit"
	case "err", "error", "fail", "failed", "failure":
		return "err"
	case "warn", "warning":
		return "warning"
	default:
		return kw
	}
}

// extractFields pulls key=value pairs and well-known tokens out of a message
func extractFields(msg string) map[string]string {
	fields := make(map[string]string)

	for _, m := range kvRegex.FindAllStringSubmatch(msg, -1) {
		fields[strings.ToLower(m[1])] = strings.Trim(m[2], `"`)
	}
	if _, ok := fields["mac"]; !ok {
		if mac := macRegex.FindString(msg); mac != "" {
			fields["mac"] = strings.ToLower(mac)
		}
	}
	if _, ok := fields["ip"]; !ok {
		for _, candidate := range ipv4Regex.FindAllString(msg, -1) {
			if addr, err := netip.ParseAddr(candidate); err == nil && addr.Is4() {
				fields["ip"] = candidate
				break
			}
		}
	}
	if _, ok := fields["interface"]; !ok {
		if iface := interfaceRegex.FindString(msg); iface != "" {
			fields["interface"] = iface
		}
	}
	if _, ok := fields["state"]; !ok {
		if m := linkStateRegex.FindStringSubmatch(msg); m != nil {
			fields["state"] = strings.ToLower(m[1])
		}
	}
	return fields
}
