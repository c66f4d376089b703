package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func (s *Service) startAlertWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.alertCancel = cancel
	s.alertWG.Add(1)
	go func() {
		defer s.alertWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-s.alertQueue:
				if s.sender == nil {
					continue
				}
				sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
				if err := s.sender.SendAlert(sctx, it.chatID, it.threadID, it.text); err != nil {
					fmt.Fprintf(Stderr(), "logx: alert delivery failed: %v\n", err)
				}
				scancel()
			}
		}
	}()
}

// alertWriter is a zerolog.LevelWriter that forwards qualifying lines to
// the alert queue. It never blocks the caller.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.sender == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID, threadID := s.cfg.Alerts.ChatID, s.cfg.Alerts.ThreadID
	lim, minLvl := s.limiter, s.minLevel
	s.mu.Unlock()

	if chatID == 0 || lim == nil || level < minLvl || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.alertQueue <- alertItem{chatID: chatID, threadID: threadID, text: text}:
	default:
	}
	return len(p), nil
}

// formatAlert turns a zerolog JSON line into a compact chat message.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, 900))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
