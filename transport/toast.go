package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

// Toast raises a desktop alert by running Command with Args followed by the
// title and the body. With no Command the alert is only logged.
type Toast struct {
	Command string
	Args    []string
	Timeout time.Duration
	Log     logx.Logger
}

func (t *Toast) Send(ctx context.Context, msg atc.Message) error {
	if strings.TrimSpace(t.Command) == "" {
		t.Log.Warn(msg.Subject, logx.String("alert", msg.Body()))
		return nil
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), t.Args...), msg.Subject, msg.Body())
	cmd := exec.CommandContext(ctx, t.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("toast command timed out after %s", timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return fmt.Errorf("toast command: %w", err)
		}
		return fmt.Errorf("toast command: %w: %s", err, truncate(detail, 300))
	}
	return nil
}
