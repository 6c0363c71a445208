package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cellwatch/internal/transport"
)

const (
	alertQueueSize   = 64
	alertSendTimeout = 10 * time.Second
	alertRepeatQuiet = time.Minute
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

// alertSink is a zerolog.LevelWriter that forwards severe lines to a
// transport.Sender from a single background goroutine. Writes never block.
type alertSink struct {
	mu       sync.Mutex
	sender   transport.Sender
	minLevel zerolog.Level
	limiter  *rate.Limiter
	lastText string
	lastAt   time.Time

	queue   chan string
	once    sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
	nowFunc func() time.Time
}

func newAlertSink() *alertSink {
	return &alertSink{
		minLevel: zerolog.ErrorLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan string, alertQueueSize),
		nowFunc:  time.Now,
	}
}

func (a *alertSink) setSender(s transport.Sender) {
	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	floor, ok := parseLevel(cfg.MinLevel)
	if !ok {
		floor = zerolog.ErrorLevel
	}
	rps := max(1, cfg.RatePerSec)

	a.mu.Lock()
	a.minLevel = floor
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	hasSender := a.sender != nil
	a.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	a.once.Do(a.start)
	if !hasSender {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled but no delivery sender is set yet")
	}
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-a.queue:
				a.mu.Lock()
				sender := a.sender
				a.mu.Unlock()
				if sender == nil {
					continue
				}
				sctx, scancel := context.WithTimeout(ctx, alertSendTimeout)
				_ = sender.Send(sctx, transport.Message{Channel: "alert", Text: text})
				scancel()
			}
		}
	}()
}

func (a *alertSink) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	text := formatAlert(p)
	if text == "" || !a.admit(level, text) {
		return len(p), nil
	}
	select {
	case a.queue <- text:
	default:
	}
	return len(p), nil
}

// admit applies the level floor, the rate limit and repeat suppression. An alert
// identical to the previous one is dropped for alertRepeatQuiet.
func (a *alertSink) admit(level zerolog.Level, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sender == nil || level < a.minLevel {
		return false
	}
	now := a.nowFunc()
	if text == a.lastText && now.Sub(a.lastAt) < alertRepeatQuiet {
		return false
	}
	if !a.limiter.AllowN(now, 1) {
		return false
	}
	a.lastText, a.lastAt = text, now
	return true
}

// formatAlert renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, sorted by key. time and caller are left out.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValueLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
