// Package labels reduces post-impression action streams into boolean and
// numeric training labels within a fixed time window.
package labels

import (
	"time"

	"github.com/feedstack/recommender/internal/actions"
)

// Summary is the derived label digest for one (user, target) pair.
type Summary struct {
	Click       bool  `json:"click"`
	Like        bool  `json:"like"`
	Reply       bool  `json:"reply"`
	Repost      bool  `json:"repost"`
	Quote       bool  `json:"quote"`
	Share       bool  `json:"share"`
	Dismiss     bool  `json:"dismiss"`
	BlockAuthor bool  `json:"block_author"`
	Report      bool  `json:"report"`
	Engagement  bool  `json:"engagement"`
	Negative    bool  `json:"negative"`
	DwellTimeMs int64 `json:"dwell_time_ms"`
}

// Summarize reduces the given actions into a Summary. Only actions whose
// timestamp falls within [impressionAt, impressionAt+window], inclusive on
// both ends, are counted. Each action type sets one flag; dwell actions
// update a running maximum instead. Unknown action types are ignored.
// The result is independent of the order of the input slice.
func Summarize(impressionAt time.Time, acts []actions.UserActionRecord, window time.Duration) Summary {
	var s Summary
	end := impressionAt.Add(window)

	for _, a := range acts {
		if a.Timestamp.Before(impressionAt) || a.Timestamp.After(end) {
			continue
		}
		switch a.Action {
		case actions.TypeClick:
			s.Click = true
		case actions.TypeLike:
			s.Like = true
		case actions.TypeReply:
			s.Reply = true
		case actions.TypeRepost:
			s.Repost = true
		case actions.TypeQuote:
			s.Quote = true
		case actions.TypeShare:
			s.Share = true
		case actions.TypeDismiss:
			s.Dismiss = true
		case actions.TypeBlockAuthor:
			s.BlockAuthor = true
		case actions.TypeReport:
			s.Report = true
		case actions.TypeDwell:
			if a.DwellTimeMs > s.DwellTimeMs {
				s.DwellTimeMs = a.DwellTimeMs
			}
		}
	}

	s.Engagement = s.Like || s.Reply || s.Repost || s.Quote || s.Share
	s.Negative = s.Dismiss || s.BlockAuthor || s.Report
	return s
}
