// Package actions defines the immutable user-action event log: the record
// type, the action taxonomy, and the store interface with its PostgreSQL and
// in-memory implementations.
package actions

import "time"

// Type classifies a user action against a piece of content.
type Type string

const (
	TypeImpression  Type = "impression"
	TypeDelivery    Type = "delivery"
	TypeClick       Type = "click"
	TypeLike        Type = "like"
	TypeReply       Type = "reply"
	TypeRepost      Type = "repost"
	TypeQuote       Type = "quote"
	TypeShare       Type = "share"
	TypeDwell       Type = "dwell"
	TypeDismiss     Type = "dismiss"
	TypeBlockAuthor Type = "block_author"
	TypeReport      Type = "report"
)

// Positive reports whether the action is a positive engagement signal.
func (t Type) Positive() bool {
	switch t {
	case TypeLike, TypeReply, TypeRepost, TypeQuote, TypeShare:
		return true
	default:
		return false
	}
}

// Negative reports whether the action is an explicit negative signal.
func (t Type) Negative() bool {
	switch t {
	case TypeDismiss, TypeBlockAuthor, TypeReport:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	switch t {
	case TypeImpression, TypeDelivery, TypeClick, TypeLike, TypeReply,
		TypeRepost, TypeQuote, TypeShare, TypeDwell, TypeDismiss,
		TypeBlockAuthor, TypeReport:
		return true
	default:
		return false
	}
}

// UserActionRecord is one append-only event-log entry. Records are created
// once per impression/delivery/engagement event and never updated or deleted.
type UserActionRecord struct {
	UserID         string    `json:"user_id"`
	Action         Type      `json:"action"`
	TargetID       string    `json:"target_id"`
	TargetAuthorID string    `json:"target_author_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Rank           int       `json:"rank,omitempty"`
	Score          float64   `json:"score,omitempty"`
	InNetwork      bool      `json:"in_network,omitempty"`
	RecallSource   string    `json:"recall_source,omitempty"`
	DwellTimeMs    int64     `json:"dwell_time_ms,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ProductSurface string    `json:"product_surface"`
	ExperimentKeys []string  `json:"experiment_keys,omitempty"`
}
