package service

import (
	"context"

	commonlog "fieldsync/server/common/log"
)

type NoticeKind string

const (
	NoticeOffline       NoticeKind = "offline"
	NoticeChatQueued    NoticeKind = "chat_queued"
	NoticeAuthRequired  NoticeKind = "auth_required"
	NoticeRefreshFailed NoticeKind = "refresh_failed"
	NoticeUploadQueued  NoticeKind = "upload_queued"
)

// ChangeConnection is passed to Listener.OnChange when the channel state moves.
// Every other change reports the persisted key that was rewritten.
const ChangeConnection = "connection"

type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Listener is the UI boundary. Callbacks run on the event loop and must return
// quickly without calling back into the coordinator synchronously.
type Listener interface {
	OnNotice(n Notice)
	OnChange(key string)
}

type nopListener struct{}

func (nopListener) OnNotice(Notice) {}
func (nopListener) OnChange(string) {}

// Notifier raises an OS-level notification for an inbound alert.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// LogNotifier stands in for the platform notification service.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, title, message string) error {
	commonlog.Infof("event=os_notification action=notify title=%q message=%q", title, message)
	return nil
}
