package botai

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"maps"
	"sync"
)

// ToggleResult reports what Toggle did to a channel
type ToggleResult string

const (
	ToggleActivated   ToggleResult = "activated"
	ToggleDeactivated ToggleResult = "deactivated"
)

// ActiveChannelRegistry is the set of channels where the bot replies
// to every message, each bound to a persona. Every change is written
// through to its RegistryStore as a full document.
type ActiveChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]string
	store    RegistryStore
	personas *PersonaSet
	logger   *slog.Logger
}

func NewActiveChannelRegistry(
	store RegistryStore,
	personas *PersonaSet,
	logger *slog.Logger,
) *ActiveChannelRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActiveChannelRegistry{
		channels: map[string]string{},
		store:    store,
		personas: personas,
		logger:   logger,
	}
}

// Load replaces the in-memory registry with the stored document, if
// there is one. Otherwise, the current (empty) registry is kept.
//
// Entries bound to personas that aren't loaded are kept, and resolve
// to the default persona when used.
func (r *ActiveChannelRegistry) Load(ctx context.Context) error {
	channels, exists, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("error loading active channels: %w", err)
	}
	if !exists {
		r.logger.InfoContext(ctx, "no stored active channels, starting empty")
		return nil
	}
	if channels == nil {
		channels = map[string]string{}
	}

	for channelID, persona := range channels {
		if !r.personas.Has(persona) {
			r.logger.WarnContext(
				ctx,
				"active channel bound to unknown persona",
				"channel_id", channelID,
				"persona", persona,
			)
		}
	}

	r.mu.Lock()
	r.channels = channels
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "loaded active channels", "count", len(channels))
	return nil
}

// Toggle removes channelID if it's active, otherwise activates it with
// the given persona. The persona is only checked when activating.
// If the store can't be written, the change is rolled back.
func (r *ActiveChannelRegistry) Toggle(
	ctx context.Context,
	channelID string,
	persona string,
) (ToggleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated := maps.Clone(r.channels)
	var result ToggleResult
	if _, active := updated[channelID]; active {
		delete(updated, channelID)
		result = ToggleDeactivated
	} else {
		if !r.personas.Has(persona) {
			return "", fmt.Errorf("%w: %q", ErrUnknownPersona, persona)
		}
		updated[channelID] = persona
		result = ToggleActivated
	}

	if err := r.store.Save(ctx, updated); err != nil {
		r.logger.ErrorContext(
			ctx,
			"error saving active channels",
			"channel_id", channelID,
			tint.Err(err),
		)
		return "", fmt.Errorf("error saving active channels: %w", err)
	}
	r.channels = updated

	r.logger.InfoContext(
		ctx,
		"toggled active channel",
		"channel_id", channelID,
		"persona", persona,
		"result", result,
	)
	return result, nil
}

// Lookup returns the persona bound to channelID, if it's active
func (r *ActiveChannelRegistry) Lookup(channelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	persona, ok := r.channels[channelID]
	return persona, ok
}

// Snapshot returns a copy of all active channels
func (r *ActiveChannelRegistry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.channels)
}
