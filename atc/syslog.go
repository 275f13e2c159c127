package atc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultSyslogApp = "receiving-atc"

type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

// SyslogClient writes one RFC 5424 line per TCP connection.
type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

func (c *SyslogClient) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(time.Now(), appName, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(now time.Time, appName, structuredData, message string) string {
	host, _ := os.Hostname()
	if appName == "" {
		appName = defaultSyslogApp
	}
	if structuredData == "" {
		structuredData = "-"
	}
	pri := 134 // local0.info
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, now.UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host), sanitizeSyslogToken(appName), structuredData, strings.TrimSpace(message))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// SyslogStatusSink forwards each status record as a heartbeat line so a log
// pipeline can alert when heartbeats stop.
type SyslogStatusSink struct {
	Sender  SyslogSender
	Job     string
	Service string
	Labels  map[string]string
	Timeout time.Duration
}

func (s SyslogStatusSink) WriteStatus(_ context.Context, st Status) error {
	kv := map[string]string{
		"job":      s.Job,
		"service":  s.Service,
		"facility": st.FacilityID,
		"state":    string(st.State),
		"kind":     "heartbeat",
	}
	for k, v := range s.Labels {
		if _, ok := kv[k]; !ok {
			kv[k] = v
		}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return s.Sender.SendRFC5424Timeout(defaultSyslogApp, buildStructuredData("atc", kv), string(b), timeout)
}

func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "atc"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"job", "service", "env", "site", "facility", "state", "kind"}
	seen := make(map[string]struct{}, len(kv))
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
