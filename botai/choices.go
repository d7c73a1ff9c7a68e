package botai

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"unicode/utf8"
)

// Choice maps a label shown in Discord to a stable identifier
type Choice[T ~string] struct {
	Label string
	Value T
}

// ChoiceSet is the closed set of values accepted by a command option.
// Sets are validated when they're built, so an invalid set fails
// command registration rather than the first interaction using it.
type ChoiceSet[T ~string] struct {
	name    string
	choices []Choice[T]
	byValue map[T]Choice[T]
}

// NewChoiceSet validates choices against Discord's limits: at least
// one and at most 25 choices, unique labels and values, and labels and
// values between 1 and 100 characters.
func NewChoiceSet[T ~string](name string, choices ...Choice[T]) (
	ChoiceSet[T],
	error,
) {
	cs := ChoiceSet[T]{name: name, byValue: make(map[T]Choice[T], len(choices))}
	if len(choices) == 0 {
		return cs, fmt.Errorf("%s: %w: no choices", name, ErrInvalidChoice)
	}
	if len(choices) > discordMaxChoices {
		return cs, fmt.Errorf(
			"%s: %w: %d choices (max %d)",
			name, ErrInvalidChoice, len(choices), discordMaxChoices,
		)
	}

	labels := make(map[string]struct{}, len(choices))
	for _, c := range choices {
		labelLen := utf8.RuneCountInString(c.Label)
		if labelLen == 0 || labelLen > discordMaxChoiceNameLength {
			return cs, fmt.Errorf(
				"%s: %w: label %q must be 1-%d characters",
				name, ErrInvalidChoice, c.Label, discordMaxChoiceNameLength,
			)
		}
		valueLen := utf8.RuneCountInString(string(c.Value))
		if valueLen == 0 || valueLen > discordMaxChoiceNameLength {
			return cs, fmt.Errorf(
				"%s: %w: value %q must be 1-%d characters",
				name, ErrInvalidChoice, c.Value, discordMaxChoiceNameLength,
			)
		}
		if _, seen := labels[c.Label]; seen {
			return cs, fmt.Errorf("%s: %w: duplicate label %q", name, ErrInvalidChoice, c.Label)
		}
		if _, seen := cs.byValue[c.Value]; seen {
			return cs, fmt.Errorf("%s: %w: duplicate value %q", name, ErrInvalidChoice, c.Value)
		}
		labels[c.Label] = struct{}{}
		cs.byValue[c.Value] = c
	}
	cs.choices = append([]Choice[T](nil), choices...)
	return cs, nil
}

// mustChoiceSet is NewChoiceSet for package-level sets
func mustChoiceSet[T ~string](name string, choices ...Choice[T]) ChoiceSet[T] {
	cs, err := NewChoiceSet(name, choices...)
	if err != nil {
		panic(err)
	}
	return cs
}

// valueChoices builds choices whose label is the value itself
func valueChoices[T ~string](values ...T) []Choice[T] {
	choices := make([]Choice[T], len(values))
	for i, v := range values {
		choices[i] = Choice[T]{Label: string(v), Value: v}
	}
	return choices
}

func (c ChoiceSet[T]) Name() string {
	return c.name
}

// Resolve returns the choice for value, or ErrInvalidChoice
func (c ChoiceSet[T]) Resolve(value string) (T, error) {
	choice, ok := c.byValue[T(value)]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: %w: %q", c.name, ErrInvalidChoice, value)
	}
	return choice.Value, nil
}

// Label returns the display label for value, or the value itself if
// it isn't in the set
func (c ChoiceSet[T]) Label(value T) string {
	if choice, ok := c.byValue[value]; ok {
		return choice.Label
	}
	return string(value)
}

func (c ChoiceSet[T]) Values() []T {
	values := make([]T, len(c.choices))
	for i, choice := range c.choices {
		values[i] = choice.Value
	}
	return values
}

// CommandChoices returns the set as slash command option choices
func (c ChoiceSet[T]) CommandChoices() []*discordgo.ApplicationCommandOptionChoice {
	rv := make([]*discordgo.ApplicationCommandOptionChoice, len(c.choices))
	for i, choice := range c.choices {
		rv[i] = &discordgo.ApplicationCommandOptionChoice{
			Name:  choice.Label,
			Value: string(choice.Value),
		}
	}
	return rv
}
