package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/domain"
)

var collectionKinds = []domain.RecordKind{domain.KindProject, domain.KindAlert, domain.KindTask}

// Snapshot is what the UI renders: the cache as it stands, never waiting on the
// network.
type Snapshot struct {
	Session    domain.Session
	Online     bool
	Connection domain.ConnectionState
	Projects   domain.Collection
	Tasks      domain.Collection
	Alerts     []domain.AlertEvent
	Chat       []domain.ChatMessage
}

// LoadUserData returns the cached snapshot at once and, when online and logged
// in, starts a refresh of every collection in the background.
func (c *SyncCoordinator) LoadUserData(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.loop.Do(ctx, func() {
		snap = c.snapshot()
		if c.session.LoggedIn && c.monitor.IsOnline() {
			c.refreshAll()
		}
	})
	return snap, err
}

// Cached returns the cached snapshot without starting a refresh.
func (c *SyncCoordinator) Cached(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.loop.Do(ctx, func() { snap = c.snapshot() })
	return snap, err
}

func (c *SyncCoordinator) snapshot() Snapshot {
	snap := Snapshot{
		Session:    c.session,
		Online:     c.monitor.IsOnline(),
		Connection: c.conn.State(),
		Projects:   c.collection(domain.KindProject),
		Tasks:      c.collection(domain.KindTask),
		Chat:       append([]domain.ChatMessage(nil), c.chat...),
	}
	for _, rec := range c.collection(domain.KindAlert).Records {
		var event domain.AlertEvent
		if err := json.Unmarshal(rec.Payload, &event); err != nil {
			continue
		}
		snap.Alerts = append(snap.Alerts, event)
	}
	return snap
}

func (c *SyncCoordinator) collection(kind domain.RecordKind) domain.Collection {
	col := domain.Collection{Kind: kind}
	if _, err := c.store.GetJSON(kind.StoreKey(), &col); err != nil {
		commonlog.Warnf("event=sync_coordinator action=read_cache status=failed key=%s error=%v", kind.StoreKey(), err)
		return domain.Collection{Kind: kind}
	}
	return col
}

func (c *SyncCoordinator) saveCollection(col domain.Collection) {
	key := col.Kind.StoreKey()
	if err := c.store.SetJSON(key, col); err != nil {
		commonlog.Errorf("event=sync_coordinator action=write_cache status=failed key=%s error=%v", key, err)
		return
	}
	c.listener.OnChange(key)
}

func (c *SyncCoordinator) refreshAll() {
	for _, kind := range collectionKinds {
		c.refresh(kind)
	}
}

// refresh fetches one collection off the loop. A request for a kind already in
// flight is folded into a single follow-up fetch.
func (c *SyncCoordinator) refresh(kind domain.RecordKind) {
	if !c.session.LoggedIn {
		return
	}
	if c.session.Expired(c.now()) {
		c.raiseAuthRequired(ErrSessionExpired)
		return
	}
	if c.refreshing[kind] {
		c.refetch[kind] = true
		return
	}
	c.refreshing[kind] = true

	ctx := c.sessionCtx
	gen := c.sessionGen
	token := c.session.AuthToken
	issuedAt := c.now().UTC()
	go func() {
		records, err := c.gateway.FetchCollection(ctx, token, kind)
		c.loop.Post(func() { c.onRefreshed(gen, kind, issuedAt, records, err) })
	}()
}

func (c *SyncCoordinator) onRefreshed(gen uint64, kind domain.RecordKind, issuedAt time.Time, records []domain.DomainRecord, err error) {
	if gen != c.sessionGen {
		return
	}
	c.refreshing[kind] = false
	key := kind.StoreKey()

	if err != nil {
		commonlog.Warnf("event=sync_coordinator action=refresh status=failed key=%s error=%v", key, err)
		if isAuthError(err) {
			c.refetch[kind] = false
			c.raiseAuthRequired(err)
			return
		}
		c.listener.OnNotice(Notice{Kind: NoticeRefreshFailed, Message: "Could not refresh " + key + ". Showing saved data.", Err: err})
	} else {
		cached := c.collection(kind)
		if cached.LastSyncedAt.After(issuedAt) {
			commonlog.Debugf("event=sync_coordinator action=refresh status=stale key=%s", key)
		} else {
			if kind == domain.KindAlert {
				records = c.alertRecordsFromREST(records, issuedAt)
			}
			for i := range records {
				records[i].LastSyncedAt = issuedAt
			}
			c.saveCollection(domain.Collection{Kind: kind, LastSyncedAt: issuedAt, Records: records})
			commonlog.Infof("event=sync_coordinator action=refresh status=ok key=%s records=%d", key, len(records))
		}
	}

	if c.refetch[kind] {
		c.refetch[kind] = false
		c.refresh(kind)
	}
}

// alertRecordsFromREST normalizes fetched alerts into AlertEvent payloads and keeps
// only the newest ring-size entries.
func (c *SyncCoordinator) alertRecordsFromREST(records []domain.DomainRecord, receivedAt time.Time) []domain.DomainRecord {
	out := make([]domain.DomainRecord, 0, len(records))
	for _, rec := range records {
		var payload domain.AlertPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			commonlog.Warnf("event=sync_coordinator action=refresh status=skipped key=alerts id=%s error=%v", rec.ID, err)
			continue
		}
		event := domain.AlertEvent{
			ID:         rec.ID,
			Title:      payload.Title,
			Message:    payload.Message,
			Severity:   payload.Severity,
			ReceivedAt: receivedAt,
			Source:     domain.SourceREST,
		}
		raw, err := json.Marshal(event)
		if err != nil {
			continue
		}
		rec.Payload = raw
		out = append(out, rec)
	}
	if len(out) > c.ringSize {
		out = out[len(out)-c.ringSize:]
	}
	return out
}

// appendAlert adds a pushed alert to the ring, evicting the oldest entry when full.
func (c *SyncCoordinator) appendAlert(payload domain.AlertPayload, source domain.AlertSource) domain.AlertEvent {
	event := domain.AlertEvent{
		ID:         strings.TrimSpace(payload.ID),
		Title:      payload.Title,
		Message:    payload.Message,
		Severity:   payload.Severity,
		ReceivedAt: c.now().UTC(),
		Source:     source,
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		commonlog.Errorf("event=sync_coordinator action=append_alert status=failed error=%v", err)
		return event
	}

	col := c.collection(domain.KindAlert)
	col.Records = append(col.Records, domain.DomainRecord{
		ID:           event.ID,
		Kind:         domain.KindAlert,
		Payload:      raw,
		LastSyncedAt: event.ReceivedAt,
	})
	if len(col.Records) > c.ringSize {
		col.Records = append([]domain.DomainRecord(nil), col.Records[len(col.Records)-c.ringSize:]...)
	}
	c.saveCollection(col)
	return event
}

// HandleAlert records a channel alert and raises an OS notification for it.
func (c *SyncCoordinator) HandleAlert(payload domain.AlertPayload) {
	if !c.session.LoggedIn {
		return
	}
	event := c.appendAlert(payload, domain.SourceChannel)
	commonlog.Infof("event=sync_coordinator action=alert source=channel alert_id=%s severity=%s", event.ID, event.Severity)

	ctx := c.sessionCtx
	go func() {
		if err := c.notifier.Notify(ctx, event.Title, event.Message); err != nil {
			commonlog.Warnf("event=sync_coordinator action=os_notify status=failed alert_id=%s error=%v", event.ID, err)
		}
	}()
}

// ReceivePushAlert records an alert that arrived through OS push delivery. The OS
// already showed it, so no notification is raised.
func (c *SyncCoordinator) ReceivePushAlert(ctx context.Context, payload domain.AlertPayload) error {
	return c.loop.Do(ctx, func() {
		if !c.session.LoggedIn {
			return
		}
		event := c.appendAlert(payload, domain.SourcePush)
		commonlog.Infof("event=sync_coordinator action=alert source=push alert_id=%s", event.ID)
	})
}

func (c *SyncCoordinator) HandleProjectUpdate(payload json.RawMessage) {
	commonlog.Debugf("event=sync_coordinator action=project_update bytes=%d", len(payload))
	if c.session.LoggedIn && c.monitor.IsOnline() {
		c.refresh(domain.KindProject)
	}
}
