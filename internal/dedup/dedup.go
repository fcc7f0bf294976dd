// Package dedup suppresses near-identical outbound messages from the same
// sender on a task.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/persistence"
	"golang.org/x/text/cases"
)

const (
	// Threshold is the trigram similarity at or above which two messages
	// count as duplicates.
	Threshold = 0.7
	// DefaultWindow is the trailing window used when the caller passes 0.
	DefaultWindow = 10 * time.Minute
	// lookback is how many recent task messages are compared.
	lookback = 20
)

// MessageSource is the slice of the store the checker reads.
type MessageSource interface {
	RecentMessages(ctx context.Context, taskID string, limit int) ([]persistence.Message, error)
}

type Checker struct {
	messages MessageSource
	now      func() time.Time
}

func NewChecker(messages MessageSource) *Checker {
	return &Checker{messages: messages, now: time.Now}
}

// WithClock replaces the clock used for the trailing window.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.now = now
	return c
}

// IsDuplicate reports whether text is within Threshold of a chat message
// actor sent on the task inside the trailing window.
func (c *Checker) IsDuplicate(ctx context.Context, taskID, actor, text string, window time.Duration) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	if window <= 0 {
		window = DefaultWindow
	}
	recent, err := c.messages.RecentMessages(ctx, taskID, lookback)
	if err != nil {
		return false, fmt.Errorf("load recent messages: %w", err)
	}
	cutoff := c.now().Add(-window)
	for _, m := range recent {
		if m.Sender != actor || m.Kind == persistence.MessageKindTool {
			continue
		}
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		if Similarity(text, m.Content) >= Threshold {
			return true, nil
		}
	}
	return false, nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// Similarity is the Jaccard index of the rune-trigram sets of a and b
// after case folding and whitespace collapsing. Empty input or input
// shorter than three runes scores 0; identical input scores 1.
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta, tb := trigrams(na), trigrams(nb)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

func trigrams(s string) map[string]struct{} {
	r := []rune(s)
	if len(r) < 3 {
		return nil
	}
	out := make(map[string]struct{}, len(r)-2)
	for i := 0; i+3 <= len(r); i++ {
		out[string(r[i:i+3])] = struct{}{}
	}
	return out
}
