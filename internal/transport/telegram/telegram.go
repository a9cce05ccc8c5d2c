// Package telegram is the real MessageTransport: one telebot session per
// registered account, with Bot API errors mapped onto the dispatcher's
// failure taxonomy.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"promobot/internal/campaign"
	"promobot/internal/transport"
	"promobot/pkg/logx"
)

type Config struct {
	// HTTPTimeout bounds each Bot API call; the dispatcher's per-send
	// timeout sits above this.
	HTTPTimeout time.Duration
	ParseMode   string // e.g. "HTML"; empty leaves telebot's default
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	bots map[string]*tele.Bot // keyed by account ID
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bots: map[string]*tele.Bot{}}
}

// Connect validates the account's token against the Bot API and caches the
// session. Safe to call again after an auth error to re-establish.
func (a *Adapter) Connect(_ context.Context, acc campaign.Account) error {
	token := strings.TrimSpace(acc.Credentials)
	if token == "" {
		return transport.Classify(transport.FailureAuth, errors.New("account has no token"))
	}
	// Send-only session: no poller is attached.
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: a.cfg.HTTPTimeout},
	})
	if err != nil {
		return classify(err)
	}
	a.mu.Lock()
	a.bots[acc.ID] = b
	a.mu.Unlock()
	a.log.Info("telegram session established", logx.String("account", acc.ID), logx.String("bot", b.Me.Username))
	return nil
}

// chatRecipient lets us address chats by public @username, which is how
// target groups are registered.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

func (a *Adapter) Send(ctx context.Context, acc campaign.Account, target campaign.TargetGroup, content string) (transport.Ack, error) {
	a.mu.Lock()
	b := a.bots[acc.ID]
	a.mu.Unlock()
	if b == nil {
		return transport.Ack{}, transport.Classify(transport.FailureAuth, fmt.Errorf("account %s has no session", acc.ID))
	}

	to := chatRecipient("@" + strings.TrimPrefix(target.Username, "@"))

	var opts []any
	if a.cfg.ParseMode != "" {
		opts = append(opts, tele.ParseMode(a.cfg.ParseMode))
	}

	// telebot calls are not context-aware; run the send aside so a hung
	// call surfaces as a retryable timeout instead of blocking shutdown.
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := b.Send(to, content, opts...)
		ch <- result{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return transport.Ack{}, transport.Classify(transport.FailureTransient, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return transport.Ack{}, classify(r.err)
		}
		return transport.Ack{
			MessageID: fmt.Sprintf("%d", r.msg.ID),
			At:        time.Now(),
		}, nil
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	a.bots = map[string]*tele.Bot{}
	a.mu.Unlock()
	return nil
}

// classify maps telebot errors onto the dispatcher failure taxonomy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodP *tele.FloodError
	if errors.As(err, &floodP) {
		return transport.RateLimited(err, time.Duration(floodP.RetryAfter)*time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return transport.Classify(transport.FailureAuth, err)
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrNotStartedByUser):
		return transport.Classify(transport.FailureBlocked, err)
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup), errors.Is(err, tele.ErrKickedFromChannel),
		errors.Is(err, tele.ErrNoRightsToSend):
		return transport.Classify(transport.FailureTargetGone, err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 401:
			return transport.Classify(transport.FailureAuth, err)
		case 403:
			return transport.Classify(transport.FailureBlocked, err)
		case 400:
			return transport.Classify(transport.FailureTargetGone, err)
		}
	}
	return transport.Classify(transport.FailureTransient, err)
}
