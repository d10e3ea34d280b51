package scheduler

import (
	"fmt"
	"sync"

	"github.com/nsfwhubinfo/tenxsom-ai.com-sub000/core"
)

// tierDurations are the default clip lengths per tier, in seconds.
var tierDurations = map[core.Tier]int{
	core.TierPremium:  60,
	core.TierStandard: 30,
	core.TierVolume:   15,
}

// StaticTopicSource cycles through a configured topic list per platform.
// A fresh instance walks the list from the start, so two instances fed
// the same call sequence produce identical specs.
type StaticTopicSource struct {
	mu      sync.Mutex
	topics  map[string][]string
	cursors map[string]int
}

// NewStaticTopicSource creates a topic source over the configured lists.
func NewStaticTopicSource(topics map[string][]string) *StaticTopicSource {
	return &StaticTopicSource{
		topics:  topics,
		cursors: make(map[string]int),
	}
}

// Next returns the next creative spec for a platform and tier.
func (s *StaticTopicSource) Next(platform string, tier core.Tier) (core.CreativeSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.topics[platform]
	if len(list) == 0 {
		list = s.topics["default"]
	}
	if len(list) == 0 {
		return core.CreativeSpec{}, fmt.Errorf("%w: no topics configured for platform %q", core.ErrMissingConfiguration, platform)
	}

	topic := list[s.cursors[platform]%len(list)]
	s.cursors[platform]++

	duration := tierDurations[tier]
	if duration == 0 {
		duration = 30
	}
	return core.CreativeSpec{
		Prompt:          topic,
		DurationSeconds: duration,
		AspectRatio:     "16:9",
	}, nil
}
