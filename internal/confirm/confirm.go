// Package confirm runs the time-boxed check-out confirmation dialogs.
//
// A dialog is a separate chat message with a countdown and confirm/cancel
// buttons. Exactly one of confirm, cancel or timeout ends it. Whichever
// path claims the dialog first wins; the others observe ErrNotFound.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/gateway"
	"attendboard/internal/metrics"
)

const (
	// DefaultSeconds is the countdown length.
	DefaultSeconds = 10

	ResponsePrefix = "dlg:"
	dataConfirm    = ResponsePrefix + "yes"
	dataCancel     = ResponsePrefix + "no"
)

var (
	ErrNotOwner = xerrors.New("confirm: only the member who pressed out can answer")
	ErrNotFound = xerrors.New("confirm: dialog expired or already answered")
	ErrPending  = xerrors.New("confirm: a confirmation is already pending")
	ErrClosed   = xerrors.New("confirm: manager closed")

	errExpired = xerrors.New("dialog expired")
)

// Key identifies a dialog by its message.
type Key struct {
	ChatID    int64
	MessageID int
}

// Checkout performs the side effects of a dialog's outcome.
type Checkout interface {
	// CheckOut records user's "out" under the chat's gate. It must apply
	// the duplicate-action rule first, then call claim, and write nothing
	// if claim returns false.
	CheckOut(ctx context.Context, chatID int64, user attendance.User, claim func() bool) error
	// Refresh redraws the chat's board.
	Refresh(ctx context.Context, chatID int64) error
}

type dialog struct {
	key   Key
	owner attendance.User
	// day is the local date the dialog was opened on.
	day       time.Time
	remaining int
	cancel    context.CancelFunc
}

type Options struct {
	Clock   quartz.Clock
	Seconds int
	// Location decides which day a dialog belongs to. A dialog answered on a
	// later day expires without writing an event.
	Location *time.Location
	Logger   slog.Logger
	Metrics  *metrics.Metrics
}

// Manager owns every pending dialog.
type Manager struct {
	gw       gateway.Gateway
	checkout Checkout
	clock    quartz.Clock
	loc      *time.Location
	seconds  int
	logger   slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dialogs map[Key]*dialog
}

func New(gw gateway.Gateway, checkout Checkout, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Seconds <= 0 {
		opts.Seconds = DefaultSeconds
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		gw:       gw,
		checkout: checkout,
		clock:    opts.Clock,
		loc:      opts.Location,
		seconds:  opts.Seconds,
		logger:   opts.Logger.Named("confirm"),
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		dialogs:  make(map[Key]*dialog),
	}
}

// Controls are the buttons on a confirmation message.
func Controls() gateway.Controls {
	return gateway.Controls{{
		{Text: "✅ Confirm", Data: dataConfirm},
		{Text: "✖️ Cancel", Data: dataCancel},
	}}
}

// ParseResponse reports whether data is a dialog button and which one.
func ParseResponse(data string) (accept bool, ok bool) {
	switch data {
	case dataConfirm:
		return true, true
	case dataCancel:
		return false, true
	}
	return false, false
}

func prompt(owner attendance.User, remaining int) string {
	return fmt.Sprintf("⏳ %s, check out for today?\nThis request closes in %ds.", owner.DisplayName, remaining)
}

// Open posts a confirmation for user and starts its countdown. A member may
// have only one pending dialog per chat.
func (m *Manager) Open(ctx context.Context, chatID int64, user attendance.User) (Key, error) {
	if err := m.admit(chatID, user.ID); err != nil {
		return Key{}, err
	}

	id, err := m.gw.Send(ctx, chatID, prompt(user, m.seconds), Controls())
	if err != nil {
		return Key{}, xerrors.Errorf("send confirmation: %w", err)
	}
	key := Key{ChatID: chatID, MessageID: id}

	m.mu.Lock()
	if err := m.admitLocked(chatID, user.ID); err != nil {
		m.mu.Unlock()
		_ = m.gw.Delete(ctx, chatID, id)
		return Key{}, err
	}
	dctx, cancel := context.WithCancel(m.ctx)
	d := &dialog{key: key, owner: user, day: m.today(), remaining: m.seconds, cancel: cancel}
	m.dialogs[key] = d
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.OpenDialogs.Inc()
	waiter := m.clock.TickerFunc(dctx, time.Second, func() error {
		return m.tick(dctx, d)
	}, "confirm", "countdown")
	go func() {
		defer m.wg.Done()
		_ = waiter.Wait()
	}()

	m.logger.Debug(ctx, "dialog opened",
		slog.F("chat_id", chatID),
		slog.F("user_id", user.ID),
		slog.F("message_id", id),
	)
	return key, nil
}

func (m *Manager) admit(chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked(chatID, userID)
}

func (m *Manager) admitLocked(chatID, userID int64) error {
	if m.closed {
		return ErrClosed
	}
	for k, d := range m.dialogs {
		if k.ChatID == chatID && d.owner.ID == userID {
			return ErrPending
		}
	}
	return nil
}

// tick advances one countdown step. Returning an error stops the ticker.
func (m *Manager) tick(ctx context.Context, d *dialog) error {
	m.mu.Lock()
	if m.dialogs[d.key] != d {
		m.mu.Unlock()
		return ErrNotFound
	}
	d.remaining--
	remaining := d.remaining
	m.mu.Unlock()

	if remaining > 0 {
		err := m.gw.Edit(ctx, d.key.ChatID, d.key.MessageID, prompt(d.owner, remaining), Controls())
		if gateway.Classify(err) == gateway.KindFailure && ctx.Err() == nil {
			m.logger.Debug(ctx, "update countdown", slog.F("message_id", d.key.MessageID), slog.Error(err))
		}
		return nil
	}

	if !m.claim(d) {
		return ErrNotFound
	}
	m.finish(m.ctx, d, metrics.OutcomeExpired)
	return errExpired
}

func (m *Manager) today() time.Time {
	return attendance.DateOf(m.clock.Now(), m.loc)
}

// expireStale ends d as expired when its day is over. It reports whether d
// was stale, whether or not this call won the claim.
func (m *Manager) expireStale(ctx context.Context, d *dialog) bool {
	if m.today().Equal(d.day) {
		return false
	}
	if m.claim(d) {
		m.finish(ctx, d, metrics.OutcomeExpired)
	}
	return true
}

// claim ends d if it is still pending. Only the first caller succeeds.
func (m *Manager) claim(d *dialog) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialogs[d.key] != d {
		return false
	}
	delete(m.dialogs, d.key)
	d.cancel()
	m.metrics.OpenDialogs.Dec()
	return true
}

// finish removes the confirmation message of a claimed dialog.
func (m *Manager) finish(ctx context.Context, d *dialog, outcome string) {
	m.metrics.Dialogs.WithLabelValues(outcome).Inc()
	if err := m.gw.Delete(ctx, d.key.ChatID, d.key.MessageID); err != nil {
		m.logger.Debug(ctx, "delete confirmation", slog.F("message_id", d.key.MessageID), slog.Error(err))
	}
	m.logger.Info(ctx, "dialog finished",
		slog.F("chat_id", d.key.ChatID),
		slog.F("user_id", d.owner.ID),
		slog.F("outcome", outcome),
	)
}

func (m *Manager) lookup(key Key, userID int64) (*dialog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dialogs[key]
	if !ok {
		return nil, ErrNotFound
	}
	if d.owner.ID != userID {
		return nil, ErrNotOwner
	}
	return d, nil
}

// Confirm checks the owner out. A rejected duplicate leaves the dialog
// pending. A dialog opened on an earlier local day expires instead and
// writes nothing.
func (m *Manager) Confirm(ctx context.Context, key Key, userID int64) error {
	d, err := m.lookup(key, userID)
	if err != nil {
		return err
	}
	if m.expireStale(ctx, d) {
		return ErrNotFound
	}
	claimed, stale := false, false
	err = m.checkout.CheckOut(ctx, key.ChatID, d.owner, func() bool {
		// Midnight may have passed while waiting for the chat's gate.
		if stale = m.expireStale(ctx, d); stale {
			return false
		}
		claimed = m.claim(d)
		return claimed
	})
	if stale {
		return ErrNotFound
	}
	if claimed {
		outcome := metrics.OutcomeConfirmed
		if err != nil {
			outcome = metrics.ResultError
		}
		m.finish(ctx, d, outcome)
	}
	if err != nil {
		return err
	}
	if !claimed {
		return ErrNotFound
	}
	return nil
}

// Cancel ends the dialog without writing an event and redraws the board.
func (m *Manager) Cancel(ctx context.Context, key Key, userID int64) error {
	d, err := m.lookup(key, userID)
	if err != nil {
		return err
	}
	if !m.claim(d) {
		return ErrNotFound
	}
	m.finish(ctx, d, metrics.OutcomeCancelled)
	return m.checkout.Refresh(ctx, key.ChatID)
}

// Respond dispatches a button press to Confirm or Cancel.
func (m *Manager) Respond(ctx context.Context, key Key, userID int64, accept bool) error {
	if accept {
		return m.Confirm(ctx, key, userID)
	}
	return m.Cancel(ctx, key, userID)
}

// Pending reports whether user has an open dialog in chatID.
func (m *Manager) Pending(chatID, userID int64) bool {
	return xerrors.Is(m.admit(chatID, userID), ErrPending)
}

// Len is the number of pending dialogs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialogs)
}

// Close stops every countdown and waits for them to exit. Pending dialogs
// are dropped without an outcome.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	keys := make([]string, 0, len(m.dialogs))
	for k, d := range m.dialogs {
		keys = append(keys, fmt.Sprintf("%d/%d", k.ChatID, k.MessageID))
		d.cancel()
		delete(m.dialogs, k)
		m.metrics.OpenDialogs.Dec()
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if len(keys) > 0 {
		m.logger.Info(context.Background(), "dropped pending dialogs", slog.F("dialogs", strings.Join(keys, ",")))
	}
	return nil
}
