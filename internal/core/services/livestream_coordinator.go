package services

import (
	"sort"
	"sync"

	"segchat/internal/core/domain"

	"go.uber.org/zap"
)

// LivestreamCoordinator keeps one insertion-ordered roster of streamers per
// channel. The head of a roster is that channel's primary broadcaster.
type LivestreamCoordinator struct {
	mu      sync.Mutex
	rosters map[string][]string
	logger  *zap.SugaredLogger
}

func NewLivestreamCoordinator(logger *zap.SugaredLogger) *LivestreamCoordinator {
	return &LivestreamCoordinator{
		rosters: make(map[string][]string),
		logger:  logger,
	}
}

// Join appends user to the channel roster. Joining an empty roster elects
// the joiner. A user already on the roster keeps its position.
func (c *LivestreamCoordinator) Join(channel, user string) domain.RosterChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	roster := c.rosters[channel]
	change := domain.RosterChange{Channel: channel, Username: user}

	if indexOf(roster, user) >= 0 {
		change.Roster = cloneRoster(roster)
		change.Primary = roster[0]
		return change
	}

	roster = append(roster, user)
	c.rosters[channel] = roster

	change.Changed = true
	change.Roster = cloneRoster(roster)
	change.Primary = roster[0]
	change.Elected = len(roster) == 1

	c.logger.Infow("livestream joined",
		"channel", channel,
		"username", user,
		"primary", change.Primary,
		"streamers", len(roster),
	)
	return change
}

// Leave removes user from the channel roster. When the primary leaves and
// others remain, the next earliest joiner becomes primary.
func (c *LivestreamCoordinator) Leave(channel, user string) domain.RosterChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.leaveLocked(channel, user)
}

// LeaveAll removes user from every roster it is on, in channel name order.
func (c *LivestreamCoordinator) LeaveAll(user string) []domain.RosterChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	var channels []string
	for channel, roster := range c.rosters {
		if indexOf(roster, user) >= 0 {
			channels = append(channels, channel)
		}
	}
	sort.Strings(channels)

	changes := make([]domain.RosterChange, 0, len(channels))
	for _, channel := range channels {
		changes = append(changes, c.leaveLocked(channel, user))
	}
	return changes
}

func (c *LivestreamCoordinator) leaveLocked(channel, user string) domain.RosterChange {
	roster := c.rosters[channel]
	change := domain.RosterChange{Channel: channel, Username: user}

	idx := indexOf(roster, user)
	if idx < 0 {
		change.Roster = cloneRoster(roster)
		if len(roster) > 0 {
			change.Primary = roster[0]
		}
		return change
	}

	roster = append(roster[:idx], roster[idx+1:]...)
	change.Changed = true

	if len(roster) == 0 {
		delete(c.rosters, channel)
		c.logger.Infow("livestream ended", "channel", channel, "username", user)
		return change
	}

	c.rosters[channel] = roster
	change.Roster = cloneRoster(roster)
	change.Primary = roster[0]
	change.Elected = idx == 0

	c.logger.Infow("livestream left",
		"channel", channel,
		"username", user,
		"primary", change.Primary,
		"reelected", change.Elected,
	)
	return change
}

func (c *LivestreamCoordinator) Roster(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRoster(c.rosters[channel])
}

func (c *LivestreamCoordinator) Primary(channel string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	roster := c.rosters[channel]
	if len(roster) == 0 {
		return "", false
	}
	return roster[0], true
}

func (c *LivestreamCoordinator) State(channel string) domain.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rosters[channel]) == 0 {
		return domain.NoStream
	}
	return domain.Streaming
}

// ActiveChannels lists channels with at least one streamer, sorted by name.
func (c *LivestreamCoordinator) ActiveChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := make([]string, 0, len(c.rosters))
	for channel := range c.rosters {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func indexOf(roster []string, user string) int {
	for i, u := range roster {
		if u == user {
			return i
		}
	}
	return -1
}

func cloneRoster(roster []string) []string {
	out := make([]string, len(roster))
	copy(out, roster)
	return out
}
