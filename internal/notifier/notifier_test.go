package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zepia/keygate/internal/model"
)

var welcome = model.Notification{
	RecipientEmail: "buyer@example.com",
	AccessKey:      "3f9c2b1e-8d4a-4c6b-9e2f-0a1b2c3d4e5f",
}

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration

	mu   sync.Mutex
	sent []model.Notification
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Notify(ctx context.Context, n model.Notification) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingObserver struct {
	mu      sync.Mutex
	results map[string]error
}

func (o *recordingObserver) ObserveNotification(channel string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results[channel] = err
}

func TestMultiDeliversToAll(t *testing.T) {
	ok := &fakeChannel{name: "ok"}
	bad := &fakeChannel{name: "bad", err: errors.New("relay refused")}
	obs := &recordingObserver{results: map[string]error{}}
	m := NewMulti(obs, ok, bad)

	err := m.Notify(context.Background(), welcome)
	if err == nil || !strings.Contains(err.Error(), "relay refused") {
		t.Fatalf("got %v, want joined channel error", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Errorf("got deliveries ok=%d bad=%d, want 1 each", ok.count(), bad.count())
	}
	if obs.results["ok"] != nil || obs.results["bad"] == nil {
		t.Errorf("got observed results %v", obs.results)
	}
	if got := m.Channels(); len(got) != 2 || got[0] != "ok" || got[1] != "bad" {
		t.Errorf("got channels %v", got)
	}
}

// gaugeChannel records the highest number of deliveries in flight.
type gaugeChannel struct {
	name     string
	err      error
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (g gaugeChannel) Name() string { return g.name }

func (g gaugeChannel) Notify(context.Context, model.Notification) error {
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if cur <= p || g.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return g.err
}

func TestMultiBoundsParallelism(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		parallel int
		failing  int
	}{
		{"default limit", 10, DefaultParallel, 3},
		{"serial", 3, 1, 1},
		{"fewer channels than limit", 2, DefaultParallel, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inFlight, peak atomic.Int32
			channels := make([]Channel, tt.channels)
			for i := range channels {
				c := gaugeChannel{name: fmt.Sprintf("ch%d", i), inFlight: &inFlight, peak: &peak}
				if i < tt.failing {
					c.err = fmt.Errorf("down %d", i)
				}
				channels[i] = c
			}
			m := NewMulti(nil, channels...)
			m.parallel = tt.parallel

			err := m.Notify(context.Background(), welcome)
			if got := int(peak.Load()); got > tt.parallel {
				t.Errorf("got %d deliveries in flight, want at most %d", got, tt.parallel)
			}
			if tt.failing == 0 {
				if err != nil {
					t.Errorf("got %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("got nil, want joined channel errors")
			}
			for i := 0; i < tt.failing; i++ {
				if want := fmt.Sprintf("ch%d: down %d", i, i); !strings.Contains(err.Error(), want) {
					t.Errorf("error %q lacks %q", err, want)
				}
			}
		})
	}
}

func TestAsyncReturnsImmediately(t *testing.T) {
	slow := &fakeChannel{name: "slow", delay: 50 * time.Millisecond, err: errors.New("late failure")}
	a := NewAsync(slow, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	if err := a.Notify(ctx, welcome); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	cancel() // the caller going away must not abort delivery
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("Notify blocked for %v", elapsed)
	}
	a.Wait()
	if slow.count() != 1 {
		t.Errorf("got %d deliveries, want 1", slow.count())
	}
}

func TestEmailRender(t *testing.T) {
	e, err := NewEmail(SMTPConfig{Host: "smtp.example.com", From: "Zepia <no-reply@zepia.online>", Brand: "Zepia"})
	if err != nil {
		t.Fatalf("NewEmail: %v", err)
	}
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	msg, err := e.render(welcome, now)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body := string(msg)
	for _, want := range []string{
		"From: Zepia <no-reply@zepia.online>\r\n",
		"To: buyer@example.com\r\n",
		"Subject: Zepia - Checkout Completed\r\n",
		"Content-Type: text/html; charset=UTF-8\r\n",
		"Welcome to Zepia",
		welcome.AccessKey,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if strings.Contains(body, "Subscription Renewed") {
		t.Error("welcome message rendered renewal title")
	}

	renewal := welcome
	renewal.IsRenewal = true
	msg, _ = e.render(renewal, now)
	if !strings.Contains(string(msg), "Subscription Renewed") {
		t.Error("renewal message missing renewal title")
	}
}

func TestEmailEscapesKey(t *testing.T) {
	e, _ := NewEmail(SMTPConfig{Host: "smtp.example.com", From: "a@example.com"})
	n := welcome
	n.AccessKey = "<script>"
	msg, err := e.render(n, time.Now())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(string(msg), "<script>") {
		t.Error("access key was not HTML escaped")
	}
}

func TestEmailNotify(t *testing.T) {
	e, _ := NewEmail(SMTPConfig{Host: "smtp.example.com", From: "a@example.com"})
	var gotTo string
	e.send = func(_ context.Context, to string, msg []byte) error {
		gotTo = to
		return nil
	}
	if err := e.Notify(context.Background(), welcome); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotTo != welcome.RecipientEmail {
		t.Errorf("got recipient %q", gotTo)
	}

	if err := e.Notify(context.Background(), model.Notification{AccessKey: "k"}); err == nil {
		t.Error("expected error for missing recipient")
	}

	e.send = func(context.Context, string, []byte) error { return errors.New("421 try later") }
	if err := e.Notify(context.Background(), welcome); err == nil {
		t.Error("expected send error to propagate")
	}
}

func TestNewEmailRequiresHost(t *testing.T) {
	if _, err := NewEmail(SMTPConfig{From: "a@example.com"}); err == nil {
		t.Error("expected error without host")
	}
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramAlert(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 42}

	if err := tg.Notify(context.Background(), welcome); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("got %d messages, want 1", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("got %T, want MessageConfig", bot.sent[0])
	}
	if msg.ChatID != 42 {
		t.Errorf("got chat %d, want 42", msg.ChatID)
	}
	if strings.Contains(msg.Text, welcome.AccessKey) {
		t.Error("alert leaked the full access key")
	}
	if !strings.Contains(msg.Text, "buyer@example.com") || !strings.Contains(msg.Text, "New subscription") {
		t.Errorf("got text %q", msg.Text)
	}

	bot.err = errors.New("chat not found")
	if err := tg.Notify(context.Background(), welcome); err == nil {
		t.Error("expected send error")
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("3f9c2b1e-8d4a-4c6b-9e2f-0a1b2c3d4e5f"); got != "3f9c...4e5f" {
		t.Errorf("got %q", got)
	}
	if got := maskKey("short"); got != "****" {
		t.Errorf("got %q", got)
	}
}
