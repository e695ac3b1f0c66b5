package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"deal_notifier/internal/model"
)

func TestMatches(t *testing.T) {
	computing := model.FeedItem{
		Title:          "50% off Widgets",
		DescriptionRaw: "<p>Great <b>deal</b></p>",
		Categories:     []string{"Computing"},
	}

	tests := []struct {
		name string
		item model.FeedItem
		sub  model.Subscription
		want bool
	}{
		{
			name: "keyword in title",
			item: computing,
			sub:  model.Subscription{Keyword: "widget"},
			want: true,
		},
		{
			name: "keyword case insensitive",
			item: computing,
			sub:  model.Subscription{Keyword: "WIDGETS"},
			want: true,
		},
		{
			name: "keyword in normalized description",
			item: computing,
			sub:  model.Subscription{Keyword: "great"},
			want: true,
		},
		{
			name: "markup is not searched",
			item: computing,
			sub:  model.Subscription{Keyword: "<b>"},
			want: false,
		},
		{
			name: "image alt text is searched",
			item: model.FeedItem{Title: "Deal", DescriptionRaw: `<img src="a.png" alt="Nintendo Switch">`},
			sub:  model.Subscription{Keyword: "switch"},
			want: true,
		},
		{
			name: "phrase spanning inline markup",
			item: model.FeedItem{
				Title:          "Console sale",
				DescriptionRaw: "<p>Get the <strong>Nintendo Switch</strong> OLED for $399</p>",
			},
			sub:  model.Subscription{Keyword: "switch oled"},
			want: true,
		},
		{
			name: "phrase spanning linked text",
			item: model.FeedItem{
				Title:          "Deal",
				DescriptionRaw: `<p>Grab a <a href="https://example.com">Blue Widget</a> today</p>`,
			},
			sub:  model.Subscription{Keyword: "a blue widget today"},
			want: true,
		},
		{
			name: "keyword absent",
			item: computing,
			sub:  model.Subscription{Keyword: "laptop"},
			want: false,
		},
		{
			name: "empty keyword matches everything",
			item: computing,
			sub:  model.Subscription{Keyword: ""},
			want: true,
		},
		{
			name: "category intersects",
			item: computing,
			sub:  model.Subscription{Keyword: "widget", Categories: []string{"Gaming", "Computing"}},
			want: true,
		},
		{
			name: "category disjoint",
			item: computing,
			sub:  model.Subscription{Keyword: "widget", Categories: []string{"Gaming"}},
			want: false,
		},
		{
			name: "category compared byte for byte",
			item: computing,
			sub:  model.Subscription{Keyword: "widget", Categories: []string{"computing"}},
			want: false,
		},
		{
			name: "wildcard category",
			item: computing,
			sub:  model.Subscription{Keyword: "widget", Categories: []string{"Gaming", model.WildcardCategory}},
			want: true,
		},
		{
			name: "wildcard does not rescue missing keyword",
			item: computing,
			sub:  model.Subscription{Keyword: "laptop", Categories: []string{model.WildcardCategory}},
			want: false,
		},
		{
			name: "restricted categories never match uncategorized item",
			item: model.FeedItem{Title: "Widget"},
			sub:  model.Subscription{Keyword: "widget", Categories: []string{"Computing"}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.item, tt.sub)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Matches() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMatchesWildcardEquivalence(t *testing.T) {
	items := []model.FeedItem{
		{Title: "Widget", Categories: []string{"Computing"}},
		{Title: "Widget", Categories: []string{"Gaming", "Home & Garden"}},
		{Title: "Widget", Categories: []string{"Travel"}},
	}
	empty := model.Subscription{Keyword: "widget"}
	wildcard := model.Subscription{Keyword: "widget", Categories: []string{model.WildcardCategory}}

	for _, item := range items {
		if Matches(item, empty) != Matches(item, wildcard) {
			t.Errorf("empty and wildcard categories disagree for %v", item.Categories)
		}
		if !Matches(item, empty) {
			t.Errorf("empty categories should match %v", item.Categories)
		}
	}
}

func TestEvaluate(t *testing.T) {
	item := model.FeedItem{
		ID:         1,
		Title:      "Nintendo Switch OLED Console",
		Link:       "https://example.com/node/1",
		Categories: []string{"Gaming"},
	}

	subs := []model.Subscription{
		{ID: 1, Keyword: "switch", OwnerID: "u1", DeliveryTarget: "chan-a"},
		{ID: 2, Keyword: "laptop", OwnerID: "u2", DeliveryTarget: "chan-a"},
		{ID: 3, Keyword: "Nintendo", OwnerID: "u3", DeliveryTarget: "chan-b"},
		{ID: 4, Keyword: "SWITCH", OwnerID: "u2", DeliveryTarget: "chan-a"},
		{ID: 5, Keyword: "oled", OwnerID: "u1", DeliveryTarget: "chan-a"},
		{ID: 6, Keyword: "console", OwnerID: "u4", DeliveryTarget: "chan-c", Categories: []string{"Computing"}},
	}

	got := Evaluate(item, subs)

	want := []Group{
		{
			Target:        "chan-a",
			Keywords:      []string{"switch", "oled"},
			Mentions:      []string{"u1", "u2"},
			Subscriptions: []model.Subscription{subs[0], subs[3], subs[4]},
		},
		{
			Target:        "chan-b",
			Keywords:      []string{"Nintendo"},
			Mentions:      []string{"u3"},
			Subscriptions: []model.Subscription{subs[2]},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	item := model.FeedItem{Title: "Widget", Categories: []string{"Computing"}}
	subs := []model.Subscription{
		{Keyword: "widget", DeliveryTarget: "channel-1", Categories: []string{"Gaming"}},
	}
	if got := Evaluate(item, subs); len(got) != 0 {
		t.Errorf("Evaluate() = %v, want no groups", got)
	}
}

func TestGroupNotification(t *testing.T) {
	item := model.FeedItem{
		Title:      "50% off Widgets",
		Link:       "https://example.com/node/9",
		Thumbnail:  "https://example.com/t.jpg",
		Categories: []string{"Computing"},
	}
	g := Group{Target: "channel-1", Keywords: []string{"widget"}, Mentions: []string{"42"}}

	want := model.Notification{
		DeliveryTarget: "channel-1",
		Title:          "50% off Widgets",
		Link:           "https://example.com/node/9",
		Thumbnail:      "https://example.com/t.jpg",
		Categories:     []string{"Computing"},
		Keywords:       []string{"widget"},
		Mentions:       []string{"42"},
	}
	if diff := cmp.Diff(want, g.Notification(item)); diff != "" {
		t.Errorf("Notification() mismatch (-want +got):\n%s", diff)
	}
}
