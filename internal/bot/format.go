package bot

import (
	"fmt"
	"html"
	"strings"

	"deal_notifier/internal/model"
)

// FormatNotification renders a notification as Telegram HTML.
func FormatNotification(n model.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(n.Title))
	b.WriteString(html.EscapeString(n.Link))
	if len(n.Categories) > 0 {
		fmt.Fprintf(&b, "\n\nCategories: %s", html.EscapeString(strings.Join(n.Categories, ", ")))
	}
	if len(n.Keywords) > 0 {
		fmt.Fprintf(&b, "\nMatched: %s", html.EscapeString(strings.Join(n.Keywords, ", ")))
	}
	if len(n.Mentions) > 0 {
		b.WriteString("\n")
		b.WriteString(FormatMentions(n.Mentions))
	}
	return b.String()
}

// FormatMentions links each owner ID to its Telegram user.
func FormatMentions(ids []string) string {
	links := make([]string, 0, len(ids))
	for _, id := range ids {
		id = html.EscapeString(id)
		links = append(links, fmt.Sprintf(`<a href="tg://user?id=%s">%s</a>`, id, id))
	}
	return strings.Join(links, " ")
}

// FormatSubscriptionList formats a chat's subscriptions for display.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "You are not watching anything yet. Use /watch <keyword> to start."
	}
	var b strings.Builder
	b.WriteString("Your watches:\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "\n#%d %s", s.ID, s.Keyword)
		if s.MatchAnyCategory() {
			b.WriteString("  (all categories)")
		} else {
			fmt.Fprintf(&b, "  (%s)", strings.Join(s.Categories, ", "))
		}
	}
	return b.String()
}
