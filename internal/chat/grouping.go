package chat

import "time"

// DefaultDateLayout renders a bucket date as "2 January 2006".
const DefaultDateLayout = "2 January 2006"

type DateGroup struct {
	Date     string    `json:"date"`
	Messages []Message `json:"messages"`
}

// GroupByDate buckets messages by calendar date in loc. Buckets appear in the
// order their first message appears and keep the input order within each
// bucket, so concatenating them yields msgs again for chronologically ordered
// input.
func GroupByDate(msgs []Message, loc *time.Location, layout string) []DateGroup {
	if loc == nil {
		loc = time.UTC
	}
	if layout == "" {
		layout = DefaultDateLayout
	}

	groups := make([]DateGroup, 0)
	index := make(map[string]int)
	for _, msg := range msgs {
		key := msg.CreatedAt.In(loc).Format(layout)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DateGroup{Date: key})
		}
		groups[i].Messages = append(groups[i].Messages, msg)
	}
	return groups
}
