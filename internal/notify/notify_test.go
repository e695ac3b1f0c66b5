package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/gomail.v2"

	"deal_notifier/internal/model"
)

type recordingNotifier struct {
	name string
	mu   sync.Mutex
	got  *[]string
}

func (r *recordingNotifier) Send(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.got = append(*r.got, r.name+" "+n.DeliveryTarget)
	return nil
}

func TestRouter(t *testing.T) {
	var got []string
	tg := &recordingNotifier{name: "telegram", got: &got}
	group := &recordingNotifier{name: "group", got: &got}
	fallback := &recordingNotifier{name: "fallback", got: &got}

	r := NewRouter().
		Handle("tg:", tg).
		Handle("tg:-100", group).
		Fallback(fallback)

	for _, target := range []string{"tg:42", "tg:-1001234", "channel-1"} {
		if err := r.Send(context.Background(), model.Notification{DeliveryTarget: target}); err != nil {
			t.Fatalf("send %s: %v", target, err)
		}
	}

	want := []string{"telegram tg:42", "group tg:-1001234", "fallback channel-1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterNoRoute(t *testing.T) {
	var got []string
	r := NewRouter().Handle("tg:", &recordingNotifier{name: "telegram", got: &got})

	err := r.Send(context.Background(), model.Notification{DeliveryTarget: "mailto:a@example.com"})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
	if len(got) != 0 {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))

	err := l.Send(context.Background(), model.Notification{
		DeliveryTarget: "channel-1",
		Title:          "Widget",
		Keywords:       []string{"widget"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, want := range []string{"msg=notification", "target=channel-1", "title=Widget"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q:\n%s", want, buf.String())
		}
	}
}

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailSend(t *testing.T) {
	ctx := context.Background()
	discard := slog.New(slog.DiscardHandler)

	t.Run("sends to address", func(t *testing.T) {
		sender := &fakeSender{}
		e := NewEmailWithSender(sender, "deals@example.com", discard)

		err := e.Send(ctx, model.Notification{
			DeliveryTarget: "mailto:Alice <alice@example.com>",
			Title:          "Widget",
			Link:           "https://example.com/1",
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if len(sender.sent) != 1 {
			t.Fatalf("sent %d messages, want 1", len(sender.sent))
		}
		m := sender.sent[0]
		headers := map[string][]string{
			"From":    m.GetHeader("From"),
			"To":      m.GetHeader("To"),
			"Subject": m.GetHeader("Subject"),
		}
		want := map[string][]string{
			"From":    {"deals@example.com"},
			"To":      {"alice@example.com"},
			"Subject": {"Deal: Widget"},
		}
		if diff := cmp.Diff(want, headers); diff != "" {
			t.Errorf("headers mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid address", func(t *testing.T) {
		sender := &fakeSender{}
		e := NewEmailWithSender(sender, "deals@example.com", discard)
		err := e.Send(ctx, model.Notification{DeliveryTarget: "mailto:not an address"})
		if !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("err = %v, want ErrInvalidAddress", err)
		}
		if len(sender.sent) != 0 {
			t.Error("message sent for invalid address")
		}
	})

	t.Run("smtp failure", func(t *testing.T) {
		sender := &fakeSender{err: errors.New("535 authentication failed")}
		e := NewEmailWithSender(sender, "deals@example.com", discard)
		if err := e.Send(ctx, model.Notification{DeliveryTarget: "mailto:bob@example.com"}); err == nil {
			t.Error("expected error from sender")
		}
	})
}

func TestEmailBody(t *testing.T) {
	got := emailBody(model.Notification{
		Title:      "Tools & <Gear>",
		Link:       "https://example.com/1?a=1&b=2",
		Thumbnail:  "https://files.example.com/t.jpg",
		Categories: []string{"Home & Garden"},
		Keywords:   []string{"tools"},
	})
	want := `<p><a href="https://example.com/1?a=1&amp;b=2">Tools &amp; &lt;Gear&gt;</a></p>` +
		`<p><img src="https://files.example.com/t.jpg" alt=""></p>` +
		`<p>Categories: Home &amp; Garden</p>` +
		`<p>Matched: tools</p>`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}
