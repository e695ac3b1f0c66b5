// Package model defines the domain types used across the application.
package model

import "time"

// WildcardCategory in a subscription's category set matches any item category.
const WildcardCategory = "All"

// FeedItem is one ingested feed entry.
type FeedItem struct {
	ID             int64
	ExternalID     string
	Title          string
	DescriptionRaw string
	Link           string
	Thumbnail      string
	Categories     []string
	PublishedAt    time.Time
	Notified       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ItemInput carries the fields the ingestor extracts from a feed entry.
type ItemInput struct {
	ExternalID     string
	Title          string
	DescriptionRaw string
	Link           string
	Thumbnail      string
	Categories     []string
	PublishedAt    time.Time
}

// Subscription is a standing keyword filter tied to a delivery target.
type Subscription struct {
	ID             int64     `json:"id"`
	Keyword        string    `json:"keyword"`
	OwnerID        string    `json:"owner_id"`
	DeliveryTarget string    `json:"delivery_target"`
	Categories     []string  `json:"categories"`
	CreatedAt      time.Time `json:"created_at"`
}

// MatchAnyCategory reports whether the subscription accepts every category.
func (s Subscription) MatchAnyCategory() bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if c == WildcardCategory {
			return true
		}
	}
	return false
}

// Notification is one batched delivery for an item to a single target.
type Notification struct {
	DeliveryTarget string
	Title          string
	Link           string
	Thumbnail      string
	Categories     []string
	Keywords       []string
	Mentions       []string
}

// AuditEntry records a delivery attempt for an (item, target) pair.
type AuditEntry struct {
	ID                   int64
	ItemID               int64
	ExternalID           string
	DeliveryTarget       string
	Keywords             []string
	MatchedSubscriptions []Subscription
	DeliveryError        string
	PassID               string
	DeliveredAt          time.Time
}
