package labels

import (
	"testing"
	"time"

	"github.com/feedstack/recommender/internal/actions"
)

var labelT0 = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

func act(typ actions.Type, at time.Time) actions.UserActionRecord {
	return actions.UserActionRecord{
		UserID:    "u1",
		Action:    typ,
		TargetID:  "post-1",
		Timestamp: at,
	}
}

func dwell(ms int64, at time.Time) actions.UserActionRecord {
	a := act(actions.TypeDwell, at)
	a.DwellTimeMs = ms
	return a
}

func TestSummarizeWindowBoundsAreInclusive(t *testing.T) {
	window := 5 * time.Minute

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"exactly at impression", labelT0, true},
		{"exactly at window end", labelT0.Add(window), true},
		{"one ms past window end", labelT0.Add(window + time.Millisecond), false},
		{"one ms before impression", labelT0.Add(-time.Millisecond), false},
		{"mid window", labelT0.Add(2 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(labelT0, []actions.UserActionRecord{act(actions.TypeLike, tt.at)}, window)
			if s.Like != tt.want {
				t.Errorf("Like = %v, want %v", s.Like, tt.want)
			}
		})
	}
}

func TestSummarizeClickIsNotEngagement(t *testing.T) {
	s := Summarize(labelT0, []actions.UserActionRecord{act(actions.TypeClick, labelT0.Add(time.Minute))}, 5*time.Minute)
	if !s.Click {
		t.Error("Click flag not set")
	}
	if s.Engagement {
		t.Error("a bare click must not count as engagement")
	}
}

func TestSummarizeEngagementAndNegativeDerivation(t *testing.T) {
	engagements := []actions.Type{actions.TypeLike, actions.TypeReply, actions.TypeRepost, actions.TypeQuote, actions.TypeShare}
	for _, typ := range engagements {
		s := Summarize(labelT0, []actions.UserActionRecord{act(typ, labelT0.Add(time.Minute))}, 5*time.Minute)
		if !s.Engagement {
			t.Errorf("%s: Engagement = false, want true", typ)
		}
		if s.Negative {
			t.Errorf("%s: Negative = true, want false", typ)
		}
	}

	negatives := []actions.Type{actions.TypeDismiss, actions.TypeBlockAuthor, actions.TypeReport}
	for _, typ := range negatives {
		s := Summarize(labelT0, []actions.UserActionRecord{act(typ, labelT0.Add(time.Minute))}, 5*time.Minute)
		if !s.Negative {
			t.Errorf("%s: Negative = false, want true", typ)
		}
		if s.Engagement {
			t.Errorf("%s: Engagement = true, want false", typ)
		}
	}
}

func TestSummarizeDwellKeepsMaximum(t *testing.T) {
	s := Summarize(labelT0, []actions.UserActionRecord{
		dwell(1200, labelT0.Add(time.Minute)),
		dwell(4500, labelT0.Add(2*time.Minute)),
		dwell(300, labelT0.Add(3*time.Minute)),
		dwell(9999, labelT0.Add(10*time.Minute)), // outside the window
	}, 5*time.Minute)

	if s.DwellTimeMs != 4500 {
		t.Errorf("DwellTimeMs = %d, want 4500", s.DwellTimeMs)
	}
}

func TestSummarizeIsOrderIndependent(t *testing.T) {
	acts := []actions.UserActionRecord{
		act(actions.TypeLike, labelT0.Add(time.Minute)),
		dwell(500, labelT0.Add(2*time.Minute)),
		act(actions.TypeDismiss, labelT0.Add(3*time.Minute)),
		dwell(900, labelT0.Add(4*time.Minute)),
	}
	forward := Summarize(labelT0, acts, 5*time.Minute)

	reversed := make([]actions.UserActionRecord, len(acts))
	for i, a := range acts {
		reversed[len(acts)-1-i] = a
	}
	backward := Summarize(labelT0, reversed, 5*time.Minute)

	if forward != backward {
		t.Errorf("summaries differ by input order: %+v vs %+v", forward, backward)
	}
}

func TestSummarizeEmptyActions(t *testing.T) {
	s := Summarize(labelT0, nil, 5*time.Minute)
	if s != (Summary{}) {
		t.Errorf("empty input produced non-zero summary: %+v", s)
	}
}
