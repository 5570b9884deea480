package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/workoutbot/internal/eligibility"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
	"github.com/p-blackswan/workoutbot/internal/lru"
	"github.com/p-blackswan/workoutbot/internal/retry"
)

// ServiceAccountID is Slack's built-in Slackbot user.
const ServiceAccountID = "USLACKBOT"

const (
	membersPageSize = 200

	// DefaultLookupConcurrency bounds the profile and presence calls in flight.
	DefaultLookupConcurrency = 8
)

// Adapter implements the scheduler's chat interface on top of Slack.
type Adapter struct {
	api         BotAPI
	users       *lru.Cache[string, slack.User]
	presences   *lru.Cache[string, string]
	concurrency int
	retry       retry.Config
	logger      zerolog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithPresenceCache keeps fetched presence values for the cache's TTL.
// Without it presence is fetched on every listing.
func WithPresenceCache(c *lru.Cache[string, string]) AdapterOption {
	return func(a *Adapter) { a.presences = c }
}

// WithLookupConcurrency sets how many per-member calls run at once.
func WithLookupConcurrency(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// NewAdapter creates an adapter. Profiles are cached in users.
func NewAdapter(api BotAPI, users *lru.Cache[string, slack.User], retryCfg retry.Config, logger zerolog.Logger, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		api:         api,
		users:       users,
		concurrency: DefaultLookupConcurrency,
		retry:       retryCfg,
		logger:      logger.With().Str("component", "slack.adapter").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListChannelMembers returns every member of room with bot, deletion,
// restriction and presence flags filled in. Members whose profile cannot
// be loaded are skipped; members whose presence cannot be loaded get an
// empty presence and are therefore ineligible.
func (a *Adapter) ListChannelMembers(ctx context.Context, room string) ([]eligibility.Participant, error) {
	members, err := a.ListChannelRoster(ctx, room)
	if err != nil {
		return nil, err
	}
	a.each(ctx, len(members), func(ctx context.Context, i int) {
		p := &members[i]
		if eligibility.IsHuman(*p) && !p.IsRestricted {
			p.Presence = a.presence(ctx, p.ID)
		}
	})
	return members, nil
}

// ListChannelRoster is ListChannelMembers without presence lookups.
func (a *Adapter) ListChannelRoster(ctx context.Context, room string) ([]eligibility.Participant, error) {
	ids, err := a.memberIDs(ctx, room)
	if err != nil {
		return nil, err
	}

	slots := make([]*eligibility.Participant, len(ids))
	a.each(ctx, len(ids), func(ctx context.Context, i int) {
		u, err := a.user(ctx, ids[i])
		if err != nil {
			a.logger.Warn().Err(err).Str("user", ids[i]).Msg("loading user profile failed, skipping")
			return
		}
		slots[i] = &eligibility.Participant{
			ID:               u.ID,
			Name:             displayName(u),
			IsServiceAccount: u.ID == ServiceAccountID,
			IsBot:            u.IsBot,
			IsDeleted:        u.Deleted,
			IsRestricted:     u.IsRestricted || u.IsUltraRestricted,
		}
	})

	out := make([]eligibility.Participant, 0, len(ids))
	for _, p := range slots {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// each calls fn for every index in [0, n) with at most a.concurrency calls
// in flight, and returns when all of them have finished.
func (a *Adapter) each(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	sem := make(chan struct{}, a.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, i)
		}()
	}
	wg.Wait()
}

// SendMessage posts text to room.
func (a *Adapter) SendMessage(ctx context.Context, room, text string) error {
	return a.post(ctx, room, slack.MsgOptionText(text, false))
}

// SendBlocks posts blocks to room with text as the notification fallback.
func (a *Adapter) SendBlocks(ctx context.Context, room, text string, blocks ...slack.Block) error {
	return a.post(ctx, room, slack.MsgOptionText(text, false), slack.MsgOptionBlocks(blocks...))
}

func (a *Adapter) post(ctx context.Context, room string, opts ...slack.MsgOption) error {
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		_, _, err := a.api.PostMessageContext(ctx, room, opts...)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("posting to %s: %w", room, err)
	}
	return nil
}

func (a *Adapter) memberIDs(ctx context.Context, room string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		var page []string
		var next string
		err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
			var err error
			page, next, err = a.api.GetUsersInConversationContext(ctx, &slack.GetUsersInConversationParameters{
				ChannelID: room,
				Cursor:    cursor,
				Limit:     membersPageSize,
			})
			return classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("listing members of %s: %w", room, err)
		}
		ids = append(ids, page...)
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

func (a *Adapter) user(ctx context.Context, id string) (slack.User, error) {
	if u, ok := a.users.Get(id); ok {
		return u, nil
	}
	var u *slack.User
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		var err error
		u, err = a.api.GetUserInfoContext(ctx, id)
		return classify(err)
	})
	if err != nil {
		return slack.User{}, err
	}
	a.users.Put(id, *u)
	return *u, nil
}

func (a *Adapter) presence(ctx context.Context, id string) string {
	if a.presences != nil {
		if v, ok := a.presences.Get(id); ok {
			return v
		}
	}
	var p *slack.UserPresence
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		var err error
		p, err = a.api.GetUserPresenceContext(ctx, id)
		return classify(err)
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("user", id).Msg("loading presence failed, treating as away")
		return ""
	}
	if a.presences != nil {
		a.presences.Put(id, p.Presence)
	}
	return p.Presence
}

func displayName(u slack.User) string {
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Name
}

// classify maps Slack client errors onto the retryable sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: %w", perrors.ErrRateLimit, err)
	}
	var se slack.StatusCodeError
	if errors.As(err, &se) {
		return &perrors.APIError{Service: "slack", StatusCode: se.Code, Message: se.Status, Err: err}
	}
	return err
}
