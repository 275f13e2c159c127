package atc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSyslogSender struct {
	mu    sync.Mutex
	calls []mockSyslogCall
	failN int
}

type mockSyslogCall struct {
	appName         string
	structuredData  string
	message         string
	timeoutArgument time.Duration
}

func (m *mockSyslogSender) SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockSyslogCall{appName: appName, structuredData: structuredData, message: message, timeoutArgument: timeout})
	if m.failN > 0 {
		m.failN--
		return errors.New("mock syslog send failure")
	}
	return nil
}

func (m *mockSyslogSender) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
}

func (m *mockSyslogSender) Calls() []mockSyslogCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSyslogCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func TestBuildStructuredData_DefaultSDIDWhenEmpty(t *testing.T) {
	sd := buildStructuredData("", map[string]string{"job": "atc"})
	if !strings.HasPrefix(sd, "[atc ") {
		t.Fatalf("expected default sdID=atc, got: %q", sd)
	}
}

func TestBuildStructuredData_SkipsEmptyAndSortsExtraKeys(t *testing.T) {
	sd := buildStructuredData("atc", map[string]string{
		"job":      "atc",
		"service":  "receiving",
		"env":      "",
		"facility": "6020",
		"zzz":      "3",
		"aaa":      "1",
	})
	assert.NotContains(t, sd, " env=")
	ia := strings.Index(sd, ` aaa="1"`)
	iz := strings.Index(sd, ` zzz="3"`)
	require.True(t, ia != -1 && iz != -1, sd)
	assert.Less(t, ia, iz)
	assert.True(t, strings.HasPrefix(sd, `[atc job="atc" service="receiving" facility="6020"`), sd)
}

func TestEscapeSDParam(t *testing.T) {
	assert.Equal(t, `a\"b\\c\] d`, escapeSDParam("a\"b\\c]\nd"))
}

func TestSyslogStatusSink_SendsHeartbeat(t *testing.T) {
	sender := &mockSyslogSender{}
	sink := SyslogStatusSink{Sender: sender, Job: "atc", Service: "receiving", Labels: map[string]string{"site": "dc1"}}
	msg := "Kill switch detected"
	err := sink.WriteStatus(context.Background(), Status{FacilityID: "6020", State: StateStopped, StopReason: msg, LastError: &msg})
	require.NoError(t, err)

	calls := sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, defaultSyslogApp, calls[0].appName)
	assert.Contains(t, calls[0].structuredData, `state="stopped"`)
	assert.Contains(t, calls[0].structuredData, `site="dc1"`)
	assert.Contains(t, calls[0].message, `"state":"stopped"`)
	assert.Equal(t, 3*time.Second, calls[0].timeoutArgument)

	sender.FailNext(1)
	assert.Error(t, sink.WriteStatus(context.Background(), Status{State: StateRunning}))
}

func TestSyslogClient_WritesRFC5424Line(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- ""
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		got <- line
	}()

	c := NewSyslogClient(ln.Addr().String())
	require.NoError(t, c.SendRFC5424Timeout("", `[atc kind="heartbeat"]`, " hello ", 2*time.Second))

	select {
	case line := <-got:
		assert.True(t, strings.HasPrefix(line, "<134>1 "), line)
		assert.Contains(t, line, " receiving-atc - - [atc kind=\"heartbeat\"] hello\n")
	case <-time.After(5 * time.Second):
		t.Fatal("syslog line not received")
	}
}
