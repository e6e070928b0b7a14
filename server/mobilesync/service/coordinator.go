package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fieldsync/server/common/infra/rest"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/domain"
)

const defaultAlertRingSize = 100

var (
	ErrNotLoggedIn    = errors.New("not logged in")
	ErrSessionExpired = errors.New("session expired, log in again")
	ErrEmptyMessage   = errors.New("message is empty")
)

// refreshParser accepts standard five-field expressions and descriptors such as
// "@every 15m".
var refreshParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Options struct {
	AlertRingSize     int
	PhotoMaxDimension int
	// RefreshSchedule re-runs the collection refresh while logged in and online.
	RefreshSchedule string
	Connection      ConnectionOptions
	Listener        Listener
	Notifier        Notifier
	Now             func() time.Time
}

type Status struct {
	LoggedIn         bool
	UserID           string
	Online           bool
	Connection       domain.ConnectionState
	ReconnectPending bool
	PendingActions   int
	PendingPhotos    int
}

// SyncCoordinator wires the store, monitor, channel and queues together and owns
// every cross-cutting policy. Its exported methods may be called from any
// goroutine; the work itself runs on the event loop.
type SyncCoordinator struct {
	loop     *Loop
	store    *StateStore
	monitor  *NetworkMonitor
	gateway  Gateway
	conn     *ConnectionManager
	actions  *OfflineQueue[domain.Action]
	photos   *OfflineQueue[domain.PhotoUpload]
	listener Listener
	notifier Notifier
	now      func() time.Time

	ringSize int
	photoDim int
	schedule string
	cron     *cron.Cron

	session       domain.Session
	sessionGen    uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	chat        []domain.ChatMessage
	awaitingAck []string
	refreshing  map[domain.RecordKind]bool
	refetch     map[domain.RecordKind]bool
}

// NewSyncCoordinator restores queues and chat history from store. It must run
// before the loop executes anything that touches store.
func NewSyncCoordinator(loop *Loop, store *StateStore, monitor *NetworkMonitor, gateway Gateway, opts Options) (*SyncCoordinator, error) {
	c := &SyncCoordinator{
		loop:       loop,
		store:      store,
		monitor:    monitor,
		gateway:    gateway,
		listener:   opts.Listener,
		notifier:   opts.Notifier,
		now:        opts.Now,
		ringSize:   opts.AlertRingSize,
		photoDim:   opts.PhotoMaxDimension,
		schedule:   opts.RefreshSchedule,
		refreshing: map[domain.RecordKind]bool{},
		refetch:    map[domain.RecordKind]bool{},
	}
	if c.listener == nil {
		c.listener = nopListener{}
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.ringSize <= 0 {
		c.ringSize = defaultAlertRingSize
	}
	if c.photoDim <= 0 {
		c.photoDim = defaultPhotoMaxDimension
	}

	var err error
	if c.actions, err = NewOfflineQueue[domain.Action](domain.KeyOfflineActions, loop, store, monitor.IsOnline); err != nil {
		return nil, fmt.Errorf("restore action queue: %w", err)
	}
	if c.photos, err = NewOfflineQueue[domain.PhotoUpload](domain.KeyOfflinePhotos, loop, store, monitor.IsOnline); err != nil {
		return nil, fmt.Errorf("restore photo queue: %w", err)
	}
	if _, err := store.GetJSON(domain.KeyChatMessages, &c.chat); err != nil {
		return nil, fmt.Errorf("restore chat: %w", err)
	}
	if _, err := store.GetJSON(domain.KeyUser, &c.session); err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if c.session.LoggedIn {
		// Replies to sends made on the previous channel can never arrive.
		for _, msg := range c.chat {
			if msg.Role == domain.RoleUser && msg.DeliveryState == domain.DeliverySent {
				c.awaitingAck = append(c.awaitingAck, msg.ID)
			}
		}
		c.requeueUnacked()
	}
	c.conn = NewConnectionManager(loop, c, opts.Connection)
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())
	return c, nil
}

// Start runs the loop, subscribes to network transitions and resumes a restored
// session.
func (c *SyncCoordinator) Start(ctx context.Context) error {
	c.loop.Start()
	c.monitor.OnTransition(func(online bool) {
		c.loop.Post(func() { c.handleNetwork(online) })
	})
	if c.schedule != "" {
		c.cron = cron.New(cron.WithParser(refreshParser))
		if _, err := c.cron.AddFunc(c.schedule, func() {
			c.loop.Post(c.scheduledRefresh)
		}); err != nil {
			return fmt.Errorf("refresh schedule %q: %w", c.schedule, err)
		}
		c.cron.Start()
	}
	return c.loop.Do(ctx, func() {
		if !c.session.LoggedIn {
			return
		}
		commonlog.Infof("event=sync_coordinator action=restore_session user_id=%s pending_actions=%d pending_photos=%d", c.session.UserID, c.actions.Len(), c.photos.Len())
		if c.session.Expired(c.now()) {
			c.raiseAuthRequired(ErrSessionExpired)
			return
		}
		c.conn.Connect(c.session)
		if c.monitor.IsOnline() {
			c.flushPhotos()
			c.refreshAll()
		}
	})
}

func (c *SyncCoordinator) Login(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	session, err := c.gateway.Login(ctx, creds)
	if err != nil {
		commonlog.Warnf("event=sync_coordinator action=login status=failed email=%s error=%v", creds.Email, err)
		return domain.Session{}, fmt.Errorf("login: %w", err)
	}
	if err := c.loop.Do(ctx, func() { c.beginSession(session) }); err != nil {
		return domain.Session{}, err
	}
	commonlog.Infof("event=sync_coordinator action=login status=ok user_id=%s", session.UserID)
	return session, nil
}

func (c *SyncCoordinator) beginSession(session domain.Session) {
	c.endSession()
	c.session = session
	if err := c.store.SetJSON(domain.KeyUser, session); err != nil {
		commonlog.Errorf("event=sync_coordinator action=persist_session status=failed error=%v", err)
	}
	c.listener.OnChange(domain.KeyUser)
	c.conn.Connect(session)
	if c.monitor.IsOnline() {
		c.flushPhotos()
		c.refreshAll()
	}
}

// endSession abandons in-flight work that belongs to the current session.
func (c *SyncCoordinator) endSession() {
	c.sessionCancel()
	c.sessionGen++
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())
	c.refreshing = map[domain.RecordKind]bool{}
	c.refetch = map[domain.RecordKind]bool{}
	c.actions.Abandon()
	c.photos.Abandon()
}

// Logout forgets the session and everything cached or queued for it. No
// reconnect attempt survives it.
func (c *SyncCoordinator) Logout(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		userID := c.session.UserID
		c.endSession()
		c.session = domain.Session{}
		c.awaitingAck = nil
		c.conn.Close()
		c.chat = nil
		c.actions.Clear()
		c.photos.Clear()
		for _, key := range []string{domain.KeyUser, domain.KeyProjects, domain.KeyAlerts, domain.KeyTasks, domain.KeyChatMessages} {
			c.store.Delete(key)
			c.listener.OnChange(key)
		}
		commonlog.Infof("event=sync_coordinator action=logout status=ok user_id=%s", userID)
	})
}

func (c *SyncCoordinator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.loop.Do(ctx, func() {
		st = Status{
			LoggedIn:         c.session.LoggedIn,
			UserID:           c.session.UserID,
			Online:           c.monitor.IsOnline(),
			Connection:       c.conn.State(),
			ReconnectPending: c.conn.ReconnectPending(),
			PendingActions:   c.actions.Len(),
			PendingPhotos:    c.photos.Len(),
		}
	})
	return st, err
}

// Flush drains both queues now when online. Queued actions need an open channel.
func (c *SyncCoordinator) Flush(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		if !c.session.LoggedIn || !c.monitor.IsOnline() {
			return
		}
		c.flushPhotos()
		if c.conn.State() == domain.ConnOpen {
			c.flushActions()
		}
	})
}

// Close stops background work. Persisted state is kept for the next start.
func (c *SyncCoordinator) Close() error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var writesDone <-chan struct{}
	if err := c.loop.Do(ctx, func() { writesDone = c.conn.CloseWrites() }); err == nil {
		select {
		case <-writesDone:
		case <-time.After(channelWriteTimeout):
			commonlog.Warnf("event=sync_coordinator action=close status=degraded reason=pending_writes")
		}
	}
	if err := c.loop.Do(ctx, func() {
		c.sessionCancel()
		c.conn.teardown()
		c.conn.stopReconnect()
	}); err != nil && !errors.Is(err, ErrLoopStopped) {
		commonlog.Warnf("event=sync_coordinator action=close status=degraded error=%v", err)
	}
	c.loop.Stop()
	return c.store.Close()
}

func (c *SyncCoordinator) handleNetwork(online bool) {
	if !online {
		c.listener.OnNotice(Notice{Kind: NoticeOffline, Message: "You are offline. Changes will sync when the connection returns."})
		return
	}
	if !c.session.LoggedIn {
		return
	}
	if c.session.Expired(c.now()) {
		c.raiseAuthRequired(ErrSessionExpired)
		return
	}
	if c.conn.State() == domain.ConnClosed {
		c.conn.Connect(c.session)
	}
	c.flushPhotos()
	if c.conn.State() == domain.ConnOpen {
		c.flushActions()
	}
	c.refreshAll()
}

func (c *SyncCoordinator) scheduledRefresh() {
	if !c.session.LoggedIn || !c.monitor.IsOnline() {
		return
	}
	commonlog.Debugf("event=sync_coordinator action=scheduled_refresh user_id=%s", c.session.UserID)
	c.refreshAll()
}

func (c *SyncCoordinator) raiseAuthRequired(err error) {
	commonlog.Warnf("event=sync_coordinator action=auth_required user_id=%s error=%v", c.session.UserID, err)
	c.listener.OnNotice(Notice{Kind: NoticeAuthRequired, Message: "Your session is no longer valid. Please log in again.", Err: err})
}

func isAuthError(err error) bool {
	return errors.Is(err, rest.ErrUnauthorized) || errors.Is(err, ErrSessionExpired)
}

// HandleConnectionState is called by the channel on the loop.
func (c *SyncCoordinator) HandleConnectionState(state domain.ConnectionState) {
	c.listener.OnChange(ChangeConnection)
	if state != domain.ConnOpen && c.session.LoggedIn {
		c.requeueUnacked()
	}
	if state == domain.ConnOpen && c.session.LoggedIn && c.monitor.IsOnline() {
		c.flushActions()
	}
}

// HandleUndelivered is called by the channel on the loop. Chat envelopes are
// already tracked in awaitingAck and come back through requeueUnacked.
func (c *SyncCoordinator) HandleUndelivered(env domain.Envelope) {
	if !c.session.LoggedIn || env.Type != domain.MsgAlertAck {
		return
	}
	var ack domain.AlertAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil || ack.UserID != c.session.UserID {
		return
	}
	commonlog.Warnf("event=sync_coordinator action=alert_ack status=requeued alert_id=%s", ack.AlertID)
	c.actions.Enqueue(domain.Action{Kind: domain.ActionAlertAck, Payload: env.Payload})
	c.listener.OnChange(domain.KeyOfflineActions)
}
