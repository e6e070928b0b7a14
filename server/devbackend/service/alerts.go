package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"fieldsync/server/common/infra/mq"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/devbackend/domain"
	mobile "fieldsync/server/mobilesync/domain"
)

// AlertService records alerts and pushes them to connected field clients.
type AlertService struct {
	fixtures *Fixtures
	hub      *Hub
}

func NewAlertService(fixtures *Fixtures, hub *Hub) *AlertService {
	return &AlertService{fixtures: fixtures, hub: hub}
}

// Push stores the alert and sends it to userID, or to every client when userID is empty.
func (s *AlertService) Push(alert domain.Alert, userID string) (domain.Alert, int, error) {
	if strings.TrimSpace(alert.Title) == "" && strings.TrimSpace(alert.Message) == "" {
		return domain.Alert{}, 0, errors.New("alert needs a title or message")
	}
	alert = s.fixtures.AddAlert(alert)
	env, err := mobile.NewEnvelope(mobile.MsgAlert, mobile.AlertPayload{
		ID:       alert.ID,
		Title:    alert.Title,
		Message:  alert.Message,
		Severity: alert.Severity,
	})
	if err != nil {
		return domain.Alert{}, 0, err
	}
	var fanout int
	if userID == "" {
		fanout = s.hub.Broadcast(env)
	} else {
		fanout = s.hub.NotifyUser(userID, env)
	}
	commonlog.Infof("event=alert_push action=dispatch status=ok alert_id=%s user_id=%s fanout_count=%d", alert.ID, userID, fanout)
	return alert, fanout, nil
}

// ProjectUpdated bumps the project and tells every client to re-fetch projects.
func (s *AlertService) ProjectUpdated(projectID string, status domain.ProjectStatus) (domain.Project, int, error) {
	project, err := s.fixtures.TouchProject(projectID, status)
	if err != nil {
		return domain.Project{}, 0, err
	}
	env, err := mobile.NewEnvelope(mobile.MsgProjectUpdate, project)
	if err != nil {
		return domain.Project{}, 0, err
	}
	return project, s.hub.Broadcast(env), nil
}

const (
	alertExchange   = "field.alerts"
	alertRoutingKey = "alert.#"
)

// alertFeedMessage is the body published on the field.alerts exchange.
type alertFeedMessage struct {
	UserID   string `json:"user_id"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// AlertFeed relays alerts published by upstream systems on the broker.
type AlertFeed struct {
	ch     *amqp.Channel
	alerts *AlertService
}

func NewAlertFeed(conn *amqp.Connection, alerts *AlertService) (*AlertFeed, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AlertFeed{ch: ch, alerts: alerts}, nil
}

func (f *AlertFeed) Run(ctx context.Context) error {
	deliveries, err := mq.Subscribe(f.ch, alertExchange, alertRoutingKey, "devbackend-alert-feed")
	if err != nil {
		return err
	}
	commonlog.Infof("event=alert_feed action=start exchange=%s key=%s", alertExchange, alertRoutingKey)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("alert feed delivery channel closed")
			}
			if err := f.handle(d.Body); err != nil {
				commonlog.Warnf("event=alert_feed action=consume status=failed error=%v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (f *AlertFeed) handle(body []byte) error {
	var msg alertFeedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode alert: %w", err)
	}
	_, _, err := f.alerts.Push(domain.Alert{
		ID:       msg.ID,
		Title:    msg.Title,
		Message:  msg.Message,
		Severity: msg.Severity,
	}, msg.UserID)
	return err
}

func (f *AlertFeed) Close() {
	if f.ch != nil {
		_ = f.ch.Close()
	}
}
