package history

import (
	"slices"
	"strings"
)

// Channels is an ordered set of conda channels. Order is priority order.
type Channels []string

// Append returns the channels with any new entries added at the end
func (c Channels) Append(channels ...string) Channels {
	out := slices.Clone(c)
	for _, ch := range channels {
		if ch == "" || slices.Contains(out, ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Effective returns the preferred channels followed by the remaining
// recorded ones, without duplicates
func (c Channels) Effective(preferred []string) []string {
	return []string(Channels(nil).Append(preferred...).Append(c...))
}

// Command renders the channel flags for a conda invocation
func (c Channels) Command(preferred []string, strict bool) string {
	var b strings.Builder
	b.WriteString("--override-channels")
	if strict {
		b.WriteString(" --strict-channel-priority")
	}
	for _, ch := range c.Effective(preferred) {
		b.WriteString(" --channel ")
		b.WriteString(ch)
	}
	return b.String()
}

// Equal compares channels in order
func (c Channels) Equal(other Channels) bool {
	return slices.Equal(c, other)
}
