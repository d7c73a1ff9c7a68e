package botai

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// DefaultCorrelatorCapacity is the number of replies tracked by a
// ReplyCorrelator
const DefaultCorrelatorCapacity = 5

// ReplyHandle identifies a message sent by the bot
type ReplyHandle struct {
	ChannelID string
	MessageID string
}

// RetractStatus describes the outcome of ReplyCorrelator.OnDelete
type RetractStatus int

const (
	// RetractNotTracked means the deleted message had no tracked reply
	RetractNotTracked RetractStatus = iota

	// RetractDeleted means the tracked reply was deleted
	RetractDeleted

	// RetractFailed means deleting the tracked reply failed. The entry
	// is dropped regardless.
	RetractFailed
)

func (s RetractStatus) String() string {
	switch s {
	case RetractNotTracked:
		return "not_tracked"
	case RetractDeleted:
		return "deleted"
	case RetractFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetractResult is returned by ReplyCorrelator.OnDelete
type RetractResult struct {
	Status RetractStatus
	Reply  ReplyHandle
	Err    error
}

type messageDeleter interface {
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
}

// ReplyCorrelator remembers the bot's most recent replies, keyed by
// the ID of the message they answered, so a reply can be retracted
// when the user deletes their message. Once over capacity, the entry
// with the oldest (smallest) original message ID is evicted.
type ReplyCorrelator struct {
	mu       sync.Mutex
	replies  map[string]ReplyHandle
	capacity int
	deleter  messageDeleter
	logger   *slog.Logger
}

func NewReplyCorrelator(
	deleter messageDeleter,
	capacity int,
	logger *slog.Logger,
) *ReplyCorrelator {
	if capacity < 1 {
		capacity = DefaultCorrelatorCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyCorrelator{
		replies:  make(map[string]ReplyHandle, capacity+1),
		capacity: capacity,
		deleter:  deleter,
		logger:   logger,
	}
}

// Record tracks reply as the bot's answer to originalID
func (c *ReplyCorrelator) Record(originalID string, reply ReplyHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.replies[originalID] = reply
	for len(c.replies) > c.capacity {
		oldest := ""
		for id := range c.replies {
			if oldest == "" || snowflakeLess(id, oldest) {
				oldest = id
			}
		}
		delete(c.replies, oldest)
	}
}

// OnDelete retracts the reply tracked for messageID, if any. Errors
// from Discord are logged and reported in the result.
func (c *ReplyCorrelator) OnDelete(
	ctx context.Context,
	messageID string,
) RetractResult {
	c.mu.Lock()
	reply, ok := c.replies[messageID]
	delete(c.replies, messageID)
	c.mu.Unlock()

	if !ok {
		return RetractResult{Status: RetractNotTracked}
	}

	err := c.deleter.ChannelMessageDelete(
		reply.ChannelID,
		reply.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		c.logger.WarnContext(
			ctx,
			"error retracting reply",
			"original_id", messageID,
			"channel_id", reply.ChannelID,
			"reply_id", reply.MessageID,
			tint.Err(err),
		)
		return RetractResult{Status: RetractFailed, Reply: reply, Err: err}
	}
	c.logger.DebugContext(
		ctx,
		"retracted reply",
		"original_id", messageID,
		"reply_id", reply.MessageID,
	)
	return RetractResult{Status: RetractDeleted, Reply: reply}
}

// Len returns the number of tracked replies
func (c *ReplyCorrelator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

// Tracked returns the reply tracked for originalID
func (c *ReplyCorrelator) Tracked(originalID string) (ReplyHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.replies[originalID]
	return reply, ok
}

// snowflakeLess compares two decimal snowflake IDs numerically,
// without parsing them
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
