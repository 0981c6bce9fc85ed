// Package notify fans settlement announcements out to operators. Auction
// lifecycle transitions (opened, settled, cancelled) are public information;
// sealed bid amounts never reach a notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Notifier publishes a human-readable announcement.
type Notifier interface {
	Announce(ctx context.Context, message string) error
}

// LogNotifier writes announcements to the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Announce(ctx context.Context, message string) error {
	n.Logger.InfoContext(ctx, "announcement", slog.String("message", message))
	return nil
}

// DiscordNotifier posts announcements to a Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscord creates a Discord-backed notifier and opens the session.
func NewDiscord(token, channelID string) (*DiscordNotifier, error) {
	if channelID == "" {
		return nil, errors.New("discord channel id is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID}, nil
}

func (n *DiscordNotifier) Announce(_ context.Context, message string) error {
	if _, err := n.session.ChannelMessageSend(n.channelID, message); err != nil {
		return fmt.Errorf("posting announcement: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

// Multi fans one announcement out to several notifiers. Delivery failures
// are joined, not short-circuited, so one bad sink does not silence the rest.
type Multi []Notifier

func (m Multi) Announce(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Announce(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
