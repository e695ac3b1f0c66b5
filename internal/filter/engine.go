// Package filter implements the keyword and category matching engine.
package filter

import (
	"strings"

	"deal_notifier/internal/model"
	"deal_notifier/internal/normalize"
)

// Group is the set of subscriptions of one delivery target that matched an item.
type Group struct {
	Target        string
	Keywords      []string
	Mentions      []string
	Subscriptions []model.Subscription
}

// Notification builds the outbound message for the group.
func (g Group) Notification(item model.FeedItem) model.Notification {
	return model.Notification{
		DeliveryTarget: g.Target,
		Title:          item.Title,
		Link:           item.Link,
		Thumbnail:      item.Thumbnail,
		Categories:     item.Categories,
		Keywords:       g.Keywords,
		Mentions:       g.Mentions,
	}
}

// Matches reports whether the item satisfies the subscription. The keyword is
// searched case-insensitively in the title and the normalized description.
// An empty keyword matches every item.
func Matches(item model.FeedItem, sub model.Subscription) bool {
	return matchHaystack(haystack(item), item.Categories, sub)
}

// Evaluate matches an item against every subscription and groups the hits by
// delivery target in the order targets are first seen. Keywords are
// deduplicated case-insensitively and mentions by owner, keeping first
// occurrence order.
func Evaluate(item model.FeedItem, subs []model.Subscription) []Group {
	text := haystack(item)

	var groups []Group
	index := make(map[string]int)
	seenKeyword := make(map[string]map[string]bool)
	seenOwner := make(map[string]map[string]bool)

	for _, sub := range subs {
		if !matchHaystack(text, item.Categories, sub) {
			continue
		}

		i, ok := index[sub.DeliveryTarget]
		if !ok {
			i = len(groups)
			index[sub.DeliveryTarget] = i
			groups = append(groups, Group{Target: sub.DeliveryTarget})
			seenKeyword[sub.DeliveryTarget] = make(map[string]bool)
			seenOwner[sub.DeliveryTarget] = make(map[string]bool)
		}
		g := &groups[i]
		g.Subscriptions = append(g.Subscriptions, sub)

		kw := strings.ToLower(sub.Keyword)
		if !seenKeyword[sub.DeliveryTarget][kw] {
			seenKeyword[sub.DeliveryTarget][kw] = true
			g.Keywords = append(g.Keywords, sub.Keyword)
		}
		if sub.OwnerID != "" && !seenOwner[sub.DeliveryTarget][sub.OwnerID] {
			seenOwner[sub.DeliveryTarget][sub.OwnerID] = true
			g.Mentions = append(g.Mentions, sub.OwnerID)
		}
	}
	return groups
}

func haystack(item model.FeedItem) string {
	return strings.ToLower(item.Title) + strings.ToLower(normalize.Text(item.DescriptionRaw))
}

func matchHaystack(text string, categories []string, sub model.Subscription) bool {
	if !strings.Contains(text, strings.ToLower(sub.Keyword)) {
		return false
	}
	return categoryMatch(categories, sub)
}

func categoryMatch(itemCategories []string, sub model.Subscription) bool {
	if sub.MatchAnyCategory() {
		return true
	}
	for _, want := range sub.Categories {
		for _, have := range itemCategories {
			if want == have {
				return true
			}
		}
	}
	return false
}
