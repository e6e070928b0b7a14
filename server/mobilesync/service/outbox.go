package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/domain"
)

// SendChatMessage records the message locally and delivers it over the channel
// when possible. Otherwise it is queued and replayed once the channel reopens.
func (c *SyncCoordinator) SendChatMessage(ctx context.Context, text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	var (
		out    domain.ChatMessage
		result error
	)
	err := c.loop.Do(ctx, func() {
		if !c.session.LoggedIn {
			result = ErrNotLoggedIn
			return
		}
		msg := domain.ChatMessage{
			ID:            uuid.NewString(),
			Role:          domain.RoleUser,
			Content:       text,
			CreatedAt:     c.now().UTC(),
			DeliveryState: domain.DeliveryPending,
		}
		c.chat = append(c.chat, msg)

		if c.monitor.IsOnline() && c.conn.State() == domain.ConnOpen {
			sendErr := c.sendChat(msg.ID, text)
			if sendErr == nil {
				out = c.chatByID(msg.ID)
				return
			}
			commonlog.Warnf("event=sync_coordinator action=send_chat status=failed message_id=%s error=%v", msg.ID, sendErr)
			c.setDelivery(msg.ID, domain.DeliveryFailed)
		} else {
			c.saveChat()
		}
		c.queueChat(msg.ID, text)
		out = c.chatByID(msg.ID)
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return out, result
}

// sendChat writes one chat envelope and moves the message to Sent.
func (c *SyncCoordinator) sendChat(messageID, text string) error {
	env, err := domain.NewEnvelope(domain.MsgChatMessage, domain.ChatMessagePayload{Message: text, UserID: c.session.UserID})
	if err != nil {
		return err
	}
	if err := c.conn.Send(env); err != nil {
		return err
	}
	c.setDelivery(messageID, domain.DeliverySent)
	c.awaitingAck = append(c.awaitingAck, messageID)
	commonlog.Infof("event=sync_coordinator action=send_chat status=ok message_id=%s awaiting_ack=%d", messageID, len(c.awaitingAck))
	return nil
}

func (c *SyncCoordinator) queueChat(messageID, text string) {
	action, err := c.chatAction(messageID, text)
	if err != nil {
		commonlog.Errorf("event=sync_coordinator action=queue_chat status=failed message_id=%s error=%v", messageID, err)
		return
	}
	c.actions.Enqueue(action)
	c.listener.OnChange(domain.KeyOfflineActions)
	c.listener.OnNotice(Notice{Kind: NoticeChatQueued, Message: "Message will send when reconnected."})
}

func (c *SyncCoordinator) chatAction(messageID, text string) (domain.Action, error) {
	payload, err := json.Marshal(domain.QueuedChat{MessageID: messageID, Message: text, UserID: c.session.UserID})
	if err != nil {
		return domain.Action{}, err
	}
	return domain.Action{Kind: domain.ActionChatMessage, Payload: payload}, nil
}

// requeueUnacked moves messages written to a channel that is gone back to the
// head of the action queue, marked Failed until they are sent again. A reply
// to them can no longer arrive, so they leave the ack order.
func (c *SyncCoordinator) requeueUnacked() {
	if len(c.awaitingAck) == 0 {
		return
	}
	ids := c.awaitingAck
	c.awaitingAck = nil
	actions := make([]domain.Action, 0, len(ids))
	for _, id := range ids {
		msg := c.chatByID(id)
		if msg.ID == "" {
			continue
		}
		action, err := c.chatAction(id, msg.Content)
		if err != nil {
			commonlog.Errorf("event=sync_coordinator action=requeue_chat status=failed message_id=%s error=%v", id, err)
			continue
		}
		c.setDeliveryState(id, domain.DeliveryFailed)
		actions = append(actions, action)
	}
	c.actions.Prepend(actions...)
	c.saveChat()
	c.listener.OnChange(domain.KeyOfflineActions)
	commonlog.Warnf("event=sync_coordinator action=requeue_chat status=ok messages=%d", len(actions))
}

// HandleChatResponse appends the assistant reply and acknowledges the oldest
// message still waiting for one.
func (c *SyncCoordinator) HandleChatResponse(resp domain.ChatResponsePayload) {
	if !c.session.LoggedIn {
		return
	}
	if len(c.awaitingAck) > 0 {
		acked := c.awaitingAck[0]
		c.awaitingAck = c.awaitingAck[1:]
		c.setDeliveryState(acked, domain.DeliveryAcked)
	}
	c.chat = append(c.chat, domain.ChatMessage{
		ID:            uuid.NewString(),
		Role:          domain.RoleAssistant,
		Content:       resp.Message,
		CreatedAt:     c.now().UTC(),
		DeliveryState: domain.DeliveryAcked,
	})
	c.saveChat()
}

func (c *SyncCoordinator) chatByID(id string) domain.ChatMessage {
	for _, msg := range c.chat {
		if msg.ID == id {
			return msg
		}
	}
	return domain.ChatMessage{}
}

func (c *SyncCoordinator) setDelivery(id string, state domain.DeliveryState) {
	if c.setDeliveryState(id, state) {
		c.saveChat()
	}
}

func (c *SyncCoordinator) setDeliveryState(id string, state domain.DeliveryState) bool {
	for i := range c.chat {
		if c.chat[i].ID == id {
			c.chat[i].DeliveryState = state
			return true
		}
	}
	return false
}

func (c *SyncCoordinator) saveChat() {
	if err := c.store.SetJSON(domain.KeyChatMessages, c.chat); err != nil {
		commonlog.Errorf("event=sync_coordinator action=persist_chat status=failed error=%v", err)
		return
	}
	c.listener.OnChange(domain.KeyChatMessages)
}

// AcknowledgeAlert tells the backend the alert was seen, now or on reconnect.
func (c *SyncCoordinator) AcknowledgeAlert(ctx context.Context, alertID string) error {
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return errors.New("alert id is required")
	}
	var result error
	err := c.loop.Do(ctx, func() {
		if !c.session.LoggedIn {
			result = ErrNotLoggedIn
			return
		}
		payload := domain.AlertAckPayload{AlertID: alertID, UserID: c.session.UserID}
		if c.monitor.IsOnline() && c.conn.State() == domain.ConnOpen {
			env, encErr := domain.NewEnvelope(domain.MsgAlertAck, payload)
			if encErr != nil {
				result = encErr
				return
			}
			if sendErr := c.conn.Send(env); sendErr == nil {
				commonlog.Infof("event=sync_coordinator action=alert_ack status=ok alert_id=%s", alertID)
				return
			}
		}
		raw, encErr := json.Marshal(payload)
		if encErr != nil {
			result = encErr
			return
		}
		c.actions.Enqueue(domain.Action{Kind: domain.ActionAlertAck, Payload: raw})
		c.listener.OnChange(domain.KeyOfflineActions)
	})
	if err != nil {
		return err
	}
	return result
}

// UploadPhoto uploads right away when online and authenticated. On failure or
// while offline the photo is queued; queued reports which happened.
func (c *SyncCoordinator) UploadPhoto(ctx context.Context, photo domain.PhotoUpload) (bool, error) {
	if strings.TrimSpace(photo.LocalMediaRef) == "" {
		return false, errors.New("local media reference is required")
	}
	var (
		token  string
		gen    uint64
		direct bool
		result error
	)
	err := c.loop.Do(ctx, func() {
		if !c.session.LoggedIn {
			result = ErrNotLoggedIn
			return
		}
		if photo.CapturedAt.IsZero() {
			photo.CapturedAt = c.now().UTC()
		}
		if c.session.Expired(c.now()) {
			c.queuePhoto(photo)
			c.raiseAuthRequired(ErrSessionExpired)
			result = ErrSessionExpired
			return
		}
		if c.monitor.IsOnline() {
			token = c.session.AuthToken
			gen = c.sessionGen
			direct = true
			return
		}
		c.queuePhoto(photo)
	})
	if err != nil {
		return false, err
	}
	if errors.Is(result, ErrSessionExpired) {
		return true, result
	}
	if result != nil {
		return false, result
	}
	if !direct {
		return true, nil
	}

	uploadErr := c.uploadPhoto(ctx, token, photo)
	if uploadErr == nil {
		commonlog.Infof("event=sync_coordinator action=upload_photo status=ok ref=%s", photo.LocalMediaRef)
		return false, nil
	}
	if errors.Is(uploadErr, ErrDiscard) {
		return false, uploadErr
	}
	commonlog.Warnf("event=sync_coordinator action=upload_photo status=failed ref=%s error=%v", photo.LocalMediaRef, uploadErr)
	if err := c.loop.Do(ctx, func() {
		if gen != c.sessionGen || !c.session.LoggedIn {
			result = ErrNotLoggedIn
			return
		}
		c.queuePhoto(photo)
		if isAuthError(uploadErr) {
			c.raiseAuthRequired(uploadErr)
		}
	}); err != nil {
		return false, err
	}
	if result != nil {
		commonlog.Warnf("event=sync_coordinator action=upload_photo status=dropped ref=%s reason=session_ended", photo.LocalMediaRef)
		return false, result
	}
	if isAuthError(uploadErr) {
		return true, uploadErr
	}
	return true, nil
}

func (c *SyncCoordinator) queuePhoto(photo domain.PhotoUpload) {
	c.photos.Enqueue(photo)
	c.listener.OnChange(domain.KeyOfflinePhotos)
	c.listener.OnNotice(Notice{Kind: NoticeUploadQueued, Message: "Photo saved. It will upload when you are back online."})
}

func (c *SyncCoordinator) uploadPhoto(ctx context.Context, token string, photo domain.PhotoUpload) error {
	data, name, err := preparePhoto(photo.LocalMediaRef, c.photoDim)
	if err != nil {
		return err
	}
	return c.gateway.UploadPhoto(ctx, token, photo, data, name)
}

func (c *SyncCoordinator) flushPhotos() {
	if c.photos.Len() == 0 {
		return
	}
	if c.session.Expired(c.now()) {
		c.raiseAuthRequired(ErrSessionExpired)
		return
	}
	token := c.session.AuthToken
	c.photos.Flush(c.sessionCtx, func(ctx context.Context, entry domain.OfflinePhotoItem) error {
		return c.uploadPhoto(ctx, token, entry.Item)
	}, c.onFlushed)
}

// flushActions replays queued actions over the channel. Each send runs on the
// loop because the channel is loop-owned.
func (c *SyncCoordinator) flushActions() {
	if c.actions.Len() == 0 {
		return
	}
	c.actions.Flush(c.sessionCtx, func(ctx context.Context, entry domain.OfflineActionItem) error {
		var sendErr error
		if err := c.loop.Do(ctx, func() { sendErr = c.replayAction(entry) }); err != nil {
			return err
		}
		return sendErr
	}, c.onFlushed)
}

func (c *SyncCoordinator) replayAction(entry domain.OfflineActionItem) error {
	if c.conn.State() != domain.ConnOpen {
		return ErrChannelNotOpen
	}
	switch entry.Item.Kind {
	case domain.ActionChatMessage:
		var queued domain.QueuedChat
		if err := json.Unmarshal(entry.Item.Payload, &queued); err != nil {
			return fmt.Errorf("%w: decode chat action: %v", ErrDiscard, err)
		}
		return c.sendChat(queued.MessageID, queued.Message)
	case domain.ActionAlertAck:
		var ack domain.AlertAckPayload
		if err := json.Unmarshal(entry.Item.Payload, &ack); err != nil {
			return fmt.Errorf("%w: decode alert ack: %v", ErrDiscard, err)
		}
		ack.UserID = c.session.UserID
		env, err := domain.NewEnvelope(domain.MsgAlertAck, ack)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDiscard, err)
		}
		return c.conn.Send(env)
	}
	return fmt.Errorf("%w: unknown action kind %q", ErrDiscard, entry.Item.Kind)
}

func (c *SyncCoordinator) onFlushed(res FlushResult) {
	c.listener.OnChange(res.Queue)
	if res.Err != nil && isAuthError(res.Err) {
		c.raiseAuthRequired(res.Err)
	}
}
