package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/server/common/infra/kv"
	"fieldsync/server/common/infra/rest"
	"fieldsync/server/mobilesync/domain"
)

type coordFixture struct {
	persister *kv.MemoryPersister
	loop      *Loop
	monitor   *NetworkMonitor
	gateway   *fakeGateway
	dialer    *fakeDialer
	sched     *manualScheduler
	listener  *recordingListener
	c         *SyncCoordinator
}

func newCoordFixture(t *testing.T, persister *kv.MemoryPersister, online bool, tweak func(*Options)) *coordFixture {
	t.Helper()
	f := &coordFixture{
		persister: persister,
		loop:      NewLoop(),
		monitor:   NewNetworkMonitor(online),
		gateway: &fakeGateway{
			session: domain.Session{UserID: "tech-7", Name: "Dana", AuthToken: "tok", LoggedIn: true},
			collections: map[domain.RecordKind][]domain.DomainRecord{
				domain.KindProject: {{ID: "villa-100", Kind: domain.KindProject, Payload: json.RawMessage(`{"id":"villa-100","name":"Villa 100"}`)}},
				domain.KindTask:    {{ID: "t-1", Kind: domain.KindTask, Payload: json.RawMessage(`{"id":"t-1"}`)}},
				domain.KindAlert:   {{ID: "al-9", Kind: domain.KindAlert, Payload: json.RawMessage(`{"id":"al-9","title":"Crane inspection","message":"Due today","severity":"info"}`)}},
			},
		},
		dialer:   &fakeDialer{},
		sched:    &manualScheduler{},
		listener: &recordingListener{},
	}
	opts := Options{
		Listener: f.listener,
		Connection: ConnectionOptions{
			BaseURL:   "ws://sync.example.test",
			Dialer:    f.dialer,
			Scheduler: f.sched.Schedule,
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	store := newTestStore(t, persister)
	c, err := NewSyncCoordinator(f.loop, store, f.monitor, f.gateway, opts)
	if err != nil {
		t.Fatalf("NewSyncCoordinator: %v", err)
	}
	f.c = c
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return f
}

func (f *coordFixture) login(t *testing.T) {
	t.Helper()
	if _, err := f.c.Login(context.Background(), domain.Credentials{Email: "dana@example.test", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func (f *coordFixture) waitOpen(t *testing.T) {
	t.Helper()
	eventually(t, f.loop, "channel open", func() bool { return f.c.conn.State() == domain.ConnOpen })
}

func (f *coordFixture) chat(t *testing.T) []domain.ChatMessage {
	t.Helper()
	var out []domain.ChatMessage
	onLoop(t, f.loop, func() { out = append(out, f.c.chat...) })
	return out
}

func TestOfflineChatIsQueuedAndReplayedOnReconnect(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	f.login(t)
	f.waitOpen(t)

	msg, err := f.c.SendChatMessage(context.Background(), "Summarize Villa 100")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if msg.DeliveryState != domain.DeliveryPending || msg.Role != domain.RoleUser {
		t.Fatalf("message = %+v", msg)
	}
	if !f.listener.has(NoticeChatQueued) {
		t.Fatalf("notices = %v", f.listener.kinds())
	}
	if w := f.dialer.last().writes(); len(w) != 0 {
		t.Fatalf("wrote while offline: %v", w)
	}
	st, _ := f.c.Status(context.Background())
	if st.PendingActions != 1 {
		t.Fatalf("pending actions = %d", st.PendingActions)
	}

	f.monitor.SetOnline(true)
	eventually(t, f.loop, "replay", func() bool {
		return f.c.actions.Len() == 0 && !f.c.actions.Flushing() && len(f.dialer.last().writes()) == 1
	})

	writes := f.dialer.last().writes()
	if len(writes) != 1 || !strings.Contains(writes[0], "Summarize Villa 100") || !strings.Contains(writes[0], `"user_id":"tech-7"`) {
		t.Fatalf("writes = %v", writes)
	}
	history := f.chat(t)
	if len(history) != 1 || history[0].ID != msg.ID || history[0].DeliveryState != domain.DeliverySent {
		t.Fatalf("history = %+v", history)
	}

	f.dialer.last().deliver(`{"type":"chat_response","payload":{"message":"Villa 100 has 3 open actions."}}`)
	eventually(t, f.loop, "ack", func() bool { return len(f.c.chat) == 2 })
	history = f.chat(t)
	if history[0].DeliveryState != domain.DeliveryAcked {
		t.Fatalf("user message state = %s", history[0].DeliveryState)
	}
}

func TestChatResponseAcksOldestSentMessage(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.login(t)
	f.waitOpen(t)

	first, err := f.c.SendChatMessage(context.Background(), "How many open actions?")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	second, _ := f.c.SendChatMessage(context.Background(), "And overdue ones?")
	if first.DeliveryState != domain.DeliverySent || second.DeliveryState != domain.DeliverySent {
		t.Fatalf("states = %s, %s", first.DeliveryState, second.DeliveryState)
	}

	f.dialer.last().deliver(`{"type":"chat_response","payload":{"message":"3 open actions"}}`)
	eventually(t, f.loop, "assistant reply", func() bool { return len(f.c.chat) == 3 })

	history := f.chat(t)
	if history[0].DeliveryState != domain.DeliveryAcked {
		t.Fatalf("first = %s, want acked", history[0].DeliveryState)
	}
	if history[1].DeliveryState != domain.DeliverySent {
		t.Fatalf("second = %s, want still sent", history[1].DeliveryState)
	}
	reply := history[2]
	if reply.Role != domain.RoleAssistant || reply.Content != "3 open actions" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestChatWriteFailureMarksFailedAndQueues(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.login(t)
	f.waitOpen(t)
	f.dialer.last().failWrites(errors.New("broken pipe"))

	msg, err := f.c.SendChatMessage(context.Background(), "Status of tower crane?")
	if err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if msg.DeliveryState != domain.DeliverySent {
		t.Fatalf("state = %s", msg.DeliveryState)
	}
	eventually(t, f.loop, "write failure", func() bool { return f.c.conn.State() == domain.ConnClosed })
	if got := f.chat(t)[0].DeliveryState; got != domain.DeliveryFailed {
		t.Fatalf("state after write failure = %s", got)
	}
	st, _ := f.c.Status(context.Background())
	if st.PendingActions != 1 || !st.ReconnectPending {
		t.Fatalf("status = %+v", st)
	}

	f.sched.fire()
	eventually(t, f.loop, "replayed after reconnect", func() bool {
		return f.c.actions.Len() == 0 && len(f.dialer.last().writes()) == 1
	})
	if got := f.chat(t)[0].DeliveryState; got != domain.DeliverySent {
		t.Fatalf("state after replay = %s", got)
	}
}

func TestPhotoFlushRetainsFailedUpload(t *testing.T) {
	tests := []struct {
		name         string
		failing      string
		wantUploaded []string
		wantQueued   []string
	}{
		{name: "second fails", failing: "b.png", wantUploaded: []string{"a.png"}, wantQueued: []string{"b.png"}},
		{name: "first fails halts", failing: "a.png", wantUploaded: nil, wantQueued: []string{"a.png", "b.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			refs := []string{writeNamedImage(t, dir, "a.png"), writeNamedImage(t, dir, "b.png")}

			f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
			f.gateway.uploadErr = func(p domain.PhotoUpload) error {
				if filepath.Base(p.LocalMediaRef) == tt.failing {
					return &rest.StatusError{Code: 503, Message: "storage unavailable"}
				}
				return nil
			}
			f.login(t)
			for _, ref := range refs {
				queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref, Description: "site"})
				if err != nil || !queued {
					t.Fatalf("UploadPhoto(%s) queued=%t err=%v", ref, queued, err)
				}
			}
			if !f.listener.has(NoticeUploadQueued) {
				t.Fatal("no upload_queued notice")
			}

			f.monitor.SetOnline(true)
			eventually(t, f.loop, "flush done", func() bool {
				return !f.c.photos.Flushing() && f.c.photos.Len() == len(tt.wantQueued) && f.c.photos.Snapshot()[0].Attempts == 1
			})

			var uploaded []string
			for _, p := range f.gateway.uploaded() {
				uploaded = append(uploaded, filepath.Base(p.LocalMediaRef))
			}
			if fmt.Sprint(uploaded) != fmt.Sprint(tt.wantUploaded) {
				t.Fatalf("uploaded = %v, want %v", uploaded, tt.wantUploaded)
			}
			var queued []string
			onLoop(t, f.loop, func() {
				for _, e := range f.c.photos.Snapshot() {
					queued = append(queued, filepath.Base(e.Item.LocalMediaRef))
				}
			})
			if fmt.Sprint(queued) != fmt.Sprint(tt.wantQueued) {
				t.Fatalf("queued = %v, want %v", queued, tt.wantQueued)
			}
		})
	}
}

func writeNamedImage(t *testing.T, dir, name string) string {
	t.Helper()
	return writeTestImage(t, dir, name, 32, 32)
}

func TestUploadPhotoOnlineGoesDirect(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.login(t)
	ref := writeNamedImage(t, t.TempDir(), "beam.png")

	queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref, Description: "beam"})
	if err != nil || queued {
		t.Fatalf("queued=%t err=%v", queued, err)
	}
	if got := f.gateway.uploaded(); len(got) != 1 || got[0].CapturedAt.IsZero() {
		t.Fatalf("uploads = %+v", got)
	}
}

func TestUploadPhotoAuthFailureQueuesAndSurfaces(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.gateway.uploadErr = func(domain.PhotoUpload) error { return rest.ErrUnauthorized }
	f.login(t)
	ref := writeNamedImage(t, t.TempDir(), "beam.png")

	queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref})
	if !queued || !errors.Is(err, rest.ErrUnauthorized) {
		t.Fatalf("queued=%t err=%v", queued, err)
	}
	if !f.listener.has(NoticeAuthRequired) {
		t.Fatalf("notices = %v", f.listener.kinds())
	}
}

func TestLogoutClearsStateAndCancelsRecovery(t *testing.T) {
	persister := kv.NewMemoryPersister()
	f := newCoordFixture(t, persister, false, nil)
	f.dialer.setFail(errors.New("connection refused"))
	f.login(t)
	eventually(t, f.loop, "reconnect pending", func() bool { return f.c.conn.ReconnectPending() })
	if _, err := f.c.SendChatMessage(context.Background(), "queued before logout"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	if err := f.c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if live := f.sched.live(); live != 0 {
		t.Fatalf("%d reconnect timers survive logout", live)
	}
	dials := f.dialer.dialCount()
	f.sched.fire()
	onLoop(t, f.loop, func() {})
	if f.dialer.dialCount() != dials {
		t.Fatal("reconnected after logout")
	}

	st, _ := f.c.Status(context.Background())
	if st.LoggedIn || st.PendingActions != 0 || st.Connection != domain.ConnIdle {
		t.Fatalf("status = %+v", st)
	}
	onLoop(t, f.loop, func() {
		if keys := f.c.store.Keys(); len(keys) != 0 {
			t.Errorf("keys after logout = %v", keys)
		}
	})
	if _, err := f.c.SendChatMessage(context.Background(), "after"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("send after logout = %v", err)
	}
}

func TestRestartRestoresSessionQueuesAndChat(t *testing.T) {
	persister := kv.NewMemoryPersister()
	f := newCoordFixture(t, persister, false, nil)
	f.login(t)
	if _, err := f.c.SendChatMessage(context.Background(), "Summarize Villa 100"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restarted := newCoordFixture(t, persister, false, nil)
	st, err := restarted.c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.LoggedIn || st.UserID != "tech-7" || st.PendingActions != 1 {
		t.Fatalf("status after restart = %+v", st)
	}
	history := restarted.chat(t)
	if len(history) != 1 || history[0].Content != "Summarize Villa 100" || history[0].DeliveryState != domain.DeliveryPending {
		t.Fatalf("chat after restart = %+v", history)
	}
	restarted.waitOpen(t)
}

func TestLoadUserDataServesCacheThenRefreshes(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.login(t)
	eventually(t, f.loop, "collections cached", func() bool {
		_, p := f.c.store.Get(domain.KeyProjects)
		_, a := f.c.store.Get(domain.KeyAlerts)
		_, ts := f.c.store.Get(domain.KeyTasks)
		return p && a && ts
	})

	snap, err := f.c.LoadUserData(context.Background())
	if err != nil {
		t.Fatalf("LoadUserData: %v", err)
	}
	if len(snap.Projects.Records) != 1 || snap.Projects.Records[0].ID != "villa-100" || snap.Projects.LastSyncedAt.IsZero() {
		t.Fatalf("projects = %+v", snap.Projects)
	}
	if len(snap.Alerts) != 1 || snap.Alerts[0].Source != domain.SourceREST || snap.Alerts[0].Title != "Crane inspection" {
		t.Fatalf("alerts = %+v", snap.Alerts)
	}

	f.gateway.mu.Lock()
	f.gateway.fetchErr = errors.New("dial tcp: i/o timeout")
	f.gateway.mu.Unlock()
	if _, err := f.c.LoadUserData(context.Background()); err != nil {
		t.Fatalf("LoadUserData: %v", err)
	}
	eventually(t, f.loop, "refresh failure notice", func() bool { return f.listener.has(NoticeRefreshFailed) })
	snap, _ = f.c.LoadUserData(context.Background())
	if len(snap.Projects.Records) != 1 {
		t.Fatal("failed refresh dropped cached projects")
	}
}

func TestRefreshAuthFailureRaisesNotice(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.gateway.fetchErr = rest.ErrUnauthorized
	f.login(t)
	eventually(t, f.loop, "auth notice", func() bool { return f.listener.has(NoticeAuthRequired) })
}

func TestRefreshNeverRegressesLastSynced(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	f.login(t)
	newer := time.Now().UTC()
	older := newer.Add(-time.Minute)

	onLoop(t, f.loop, func() {
		f.c.saveCollection(domain.Collection{
			Kind:         domain.KindProject,
			LastSyncedAt: newer,
			Records:      []domain.DomainRecord{{ID: "fresh", Kind: domain.KindProject, Payload: json.RawMessage(`{}`)}},
		})
		f.c.refreshing[domain.KindProject] = true
		f.c.onRefreshed(f.c.sessionGen, domain.KindProject, older, []domain.DomainRecord{{ID: "stale", Kind: domain.KindProject, Payload: json.RawMessage(`{}`)}}, nil)

		col := f.c.collection(domain.KindProject)
		if len(col.Records) != 1 || col.Records[0].ID != "fresh" || !col.LastSyncedAt.Equal(newer) {
			t.Errorf("collection regressed: %+v", col)
		}
	})
}

func TestChannelAlertsAreKeptInBoundedRing(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, func(o *Options) { o.AlertRingSize = 3 })
	f.login(t)
	f.waitOpen(t)

	for i := 1; i <= 5; i++ {
		f.dialer.last().deliver(fmt.Sprintf(`{"type":"alert","payload":{"id":"al-%d","title":"Alert %d","message":"m","severity":"warning"}}`, i, i))
	}
	eventually(t, f.loop, "last alert", func() bool {
		snap := f.c.snapshot()
		return len(snap.Alerts) == 3 && snap.Alerts[2].ID == "al-5"
	})
	snap, _ := f.c.LoadUserData(context.Background())
	if snap.Alerts[0].ID != "al-3" || snap.Alerts[0].Source != domain.SourceChannel {
		t.Fatalf("alerts = %+v", snap.Alerts)
	}
}

func TestAcknowledgeAlertQueuesWhileOffline(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	f.login(t)
	f.waitOpen(t)

	if err := f.c.AcknowledgeAlert(context.Background(), "al-1"); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	st, _ := f.c.Status(context.Background())
	if st.PendingActions != 1 {
		t.Fatalf("pending = %d", st.PendingActions)
	}
	f.monitor.SetOnline(true)
	eventually(t, f.loop, "ack replayed", func() bool {
		return f.c.actions.Len() == 0 && !f.c.actions.Flushing() && len(f.dialer.last().writes()) == 1
	})
	writes := f.dialer.last().writes()
	if len(writes) != 1 || !strings.Contains(writes[0], `"type":"alert_ack"`) || !strings.Contains(writes[0], `"alert_id":"al-1"`) {
		t.Fatalf("writes = %v", writes)
	}
}

func TestLoginFailureIsSurfaced(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.gateway.loginErr = rest.ErrUnauthorized
	if _, err := f.c.Login(context.Background(), domain.Credentials{Email: "x", Password: "y"}); !errors.Is(err, rest.ErrUnauthorized) {
		t.Fatalf("Login err = %v", err)
	}
	st, _ := f.c.Status(context.Background())
	if st.LoggedIn || f.dialer.dialCount() != 0 {
		t.Fatalf("status = %+v dials=%d", st, f.dialer.dialCount())
	}
}

func TestRestoredExpiredSessionRequiresLogin(t *testing.T) {
	persister := kv.NewMemoryPersister()
	f := newCoordFixture(t, persister, false, nil)
	f.gateway.session.ExpiresAt = time.Now().Add(-time.Minute)
	f.login(t)
	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restarted := newCoordFixture(t, persister, true, nil)
	if !restarted.listener.has(NoticeAuthRequired) {
		t.Fatalf("notices = %v", restarted.listener.kinds())
	}
	onLoop(t, restarted.loop, func() {})
	if restarted.dialer.dialCount() != 0 {
		t.Fatal("expired session opened the channel")
	}
}

type countingNotifier struct{ calls atomic.Int32 }

func (n *countingNotifier) Notify(context.Context, string, string) error {
	n.calls.Add(1)
	return nil
}

func TestPushAlertIsRecordedWithoutNotification(t *testing.T) {
	notifier := &countingNotifier{}
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, func(o *Options) { o.Notifier = notifier })
	f.login(t)
	f.waitOpen(t)

	if err := f.c.ReceivePushAlert(context.Background(), domain.AlertPayload{ID: "al-push", Title: "Gate", Message: "Delivery at 9"}); err != nil {
		t.Fatalf("ReceivePushAlert: %v", err)
	}
	f.dialer.last().deliver(`{"type":"alert","payload":{"id":"al-live","title":"Crane","message":"Wind","severity":"critical"}}`)
	eventually(t, f.loop, "channel alert", func() bool { return len(f.c.snapshot().Alerts) == 2 })

	snap, _ := f.c.Cached(context.Background())
	if snap.Alerts[0].Source != domain.SourcePush || snap.Alerts[1].Source != domain.SourceChannel {
		t.Fatalf("alerts = %+v", snap.Alerts)
	}
	deadline := time.Now().Add(time.Second)
	for notifier.calls.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := notifier.calls.Load(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestScheduledRefreshRunsWhileOnline(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, func(o *Options) { o.RefreshSchedule = "@every 1s" })
	f.login(t)
	fetches := func() int {
		f.gateway.mu.Lock()
		defer f.gateway.mu.Unlock()
		return f.gateway.fetches
	}
	eventually(t, f.loop, "initial refresh", func() bool { return fetches() >= len(collectionKinds) })
	eventually(t, f.loop, "scheduled refresh", func() bool { return fetches() >= 2*len(collectionKinds) })
}

func TestFlushIsNoopWhileOffline(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	f.login(t)
	if _, err := f.c.SendChatMessage(context.Background(), "queued"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	if err := f.c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	st, _ := f.c.Status(context.Background())
	if st.PendingActions != 1 {
		t.Fatalf("pending = %d", st.PendingActions)
	}
}

func TestRepliesFollowSendsAfterChannelLoss(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	f.login(t)
	f.waitOpen(t)
	first := f.dialer.last()

	a, err := f.c.SendChatMessage(context.Background(), "Question A")
	if err != nil || a.DeliveryState != domain.DeliverySent {
		t.Fatalf("send A = %+v, %v", a, err)
	}
	eventually(t, f.loop, "A written", func() bool { return len(first.writes()) == 1 })
	first.drop()
	eventually(t, f.loop, "channel closed", func() bool { return f.c.conn.State() == domain.ConnClosed })
	if got := f.chat(t)[0].DeliveryState; got != domain.DeliveryFailed {
		t.Fatalf("A after channel loss = %s", got)
	}

	f.sched.fire()
	eventually(t, f.loop, "A resent on new channel", func() bool {
		conn := f.dialer.last()
		return conn != first && len(conn.writes()) == 1 && f.c.actions.Len() == 0
	})
	second := f.dialer.last()
	b, err := f.c.SendChatMessage(context.Background(), "Question B")
	if err != nil || b.DeliveryState != domain.DeliverySent {
		t.Fatalf("send B = %+v, %v", b, err)
	}

	second.deliver(`{"type":"chat_response","payload":{"message":"answer to A"}}`)
	eventually(t, f.loop, "first reply", func() bool { return len(f.c.chat) == 3 })
	history := f.chat(t)
	if history[0].ID != a.ID || history[0].DeliveryState != domain.DeliveryAcked {
		t.Fatalf("A = %+v", history[0])
	}
	if history[1].ID != b.ID || history[1].DeliveryState != domain.DeliverySent {
		t.Fatalf("B = %+v", history[1])
	}

	second.deliver(`{"type":"chat_response","payload":{"message":"answer to B"}}`)
	eventually(t, f.loop, "second reply", func() bool { return len(f.c.chat) == 4 })
	if got := f.chat(t)[1].DeliveryState; got != domain.DeliveryAcked {
		t.Fatalf("B after its reply = %s", got)
	}
}

func TestRestartResendsMessagesAwaitingReply(t *testing.T) {
	persister := kv.NewMemoryPersister()
	f := newCoordFixture(t, persister, true, nil)
	f.login(t)
	f.waitOpen(t)
	sent, err := f.c.SendChatMessage(context.Background(), "Any permits due?")
	if err != nil || sent.DeliveryState != domain.DeliverySent {
		t.Fatalf("send = %+v, %v", sent, err)
	}
	if err := f.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restarted := newCoordFixture(t, persister, false, nil)
	history := restarted.chat(t)
	if len(history) != 1 || history[0].DeliveryState != domain.DeliveryFailed {
		t.Fatalf("history after restart = %+v", history)
	}
	st, _ := restarted.c.Status(context.Background())
	if st.PendingActions != 1 {
		t.Fatalf("pending actions = %d", st.PendingActions)
	}
	onLoop(t, restarted.loop, func() {
		if len(restarted.c.awaitingAck) != 0 {
			t.Errorf("awaiting ack after restart = %v", restarted.c.awaitingAck)
		}
	})

	restarted.waitOpen(t)
	restarted.monitor.SetOnline(true)
	eventually(t, restarted.loop, "resent", func() bool {
		return restarted.c.actions.Len() == 0 && len(restarted.dialer.last().writes()) == 1
	})
	restarted.dialer.last().deliver(`{"type":"chat_response","payload":{"message":"Two permits."}}`)
	eventually(t, restarted.loop, "acked", func() bool {
		return len(restarted.c.chat) == 2 && restarted.c.chat[0].DeliveryState == domain.DeliveryAcked
	})
}

func TestUploadFailingAfterLogoutIsNotQueued(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), true, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.beforeUpload = func(domain.PhotoUpload) error {
		close(entered)
		<-release
		return &rest.StatusError{Code: 503, Message: "storage unavailable"}
	}
	f.login(t)
	ref := writeNamedImage(t, t.TempDir(), "slab.png")

	type outcome struct {
		queued bool
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref})
		done <- outcome{queued, err}
	}()
	<-entered
	if err := f.c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	close(release)

	got := <-done
	if got.queued || !errors.Is(got.err, ErrNotLoggedIn) {
		t.Fatalf("UploadPhoto = %t, %v", got.queued, got.err)
	}
	st, _ := f.c.Status(context.Background())
	if st.PendingPhotos != 0 {
		t.Fatalf("pending photos after logout = %d", st.PendingPhotos)
	}
}

func TestUploadWithExpiredSessionRaisesAuthNotice(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	f.gateway.session.ExpiresAt = time.Now().Add(-time.Minute)
	f.login(t)
	if f.listener.has(NoticeAuthRequired) {
		t.Fatal("auth notice raised before the upload")
	}
	ref := writeNamedImage(t, t.TempDir(), "slab.png")

	queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref})
	if !queued || !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("UploadPhoto = %t, %v", queued, err)
	}
	if !f.listener.has(NoticeAuthRequired) {
		t.Fatalf("notices = %v", f.listener.kinds())
	}
	if len(f.gateway.uploaded()) != 0 {
		t.Fatal("uploaded with an expired session")
	}
}

func TestReloginRestartsInterruptedPhotoFlush(t *testing.T) {
	f := newCoordFixture(t, kv.NewMemoryPersister(), false, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.gateway.beforeUpload = func(domain.PhotoUpload) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return errors.New("connection reset")
		}
		return nil
	}
	f.login(t)
	ref := writeNamedImage(t, t.TempDir(), "column.png")
	if queued, err := f.c.UploadPhoto(context.Background(), domain.PhotoUpload{LocalMediaRef: ref}); err != nil || !queued {
		t.Fatalf("UploadPhoto = %t, %v", queued, err)
	}

	f.monitor.SetOnline(true)
	<-entered
	f.login(t)
	close(release)

	eventually(t, f.loop, "photo uploaded by the new session", func() bool {
		return f.c.photos.Len() == 0 && !f.c.photos.Flushing()
	})
	if got := f.gateway.uploaded(); len(got) != 1 {
		t.Fatalf("uploads = %d", len(got))
	}
}
