package runner

import "github.com/tinytelemetry/panels/internal/model"

// ChannelTargets are the queries addressed to one side channel.
type ChannelTargets struct {
	Channel string
	Targets []model.DataQuery
}

// ChannelQueries splits a panel's targets by destination.
type ChannelQueries struct {
	Standard []model.DataQuery
	Channels []ChannelTargets
}

// SplitChannelQueries puts queries without a Channel into Standard and
// groups the others by channel in order of first appearance.
func SplitChannelQueries(targets []model.DataQuery) ChannelQueries {
	out := ChannelQueries{Standard: make([]model.DataQuery, 0, len(targets))}
	index := make(map[string]int)
	for _, q := range targets {
		if q.Channel == "" {
			out.Standard = append(out.Standard, q)
			continue
		}
		i, ok := index[q.Channel]
		if !ok {
			i = len(out.Channels)
			index[q.Channel] = i
			out.Channels = append(out.Channels, ChannelTargets{Channel: q.Channel})
		}
		out.Channels[i].Targets = append(out.Channels[i].Targets, q)
	}
	return out
}
