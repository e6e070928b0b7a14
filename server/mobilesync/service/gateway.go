package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldsync/server/common/auth"
	"fieldsync/server/common/infra/rest"
	"fieldsync/server/common/transport/httpresp"
	"fieldsync/server/mobilesync/domain"
)

// Gateway is the REST surface the coordinator calls. Implementations block and
// are only invoked off the event loop.
type Gateway interface {
	Login(ctx context.Context, creds domain.Credentials) (domain.Session, error)
	FetchCollection(ctx context.Context, token string, kind domain.RecordKind) ([]domain.DomainRecord, error)
	UploadPhoto(ctx context.Context, token string, photo domain.PhotoUpload, data []byte, filename string) error
}

type RESTGateway struct {
	client *rest.Client
}

func NewRESTGateway(client *rest.Client) *RESTGateway {
	return &RESTGateway{client: client}
}

func (g *RESTGateway) Login(ctx context.Context, creds domain.Credentials) (domain.Session, error) {
	var resp httpresp.TokenResponse
	err := g.client.Do(ctx, rest.Request{Method: http.MethodPost, Path: "/api/auth/login", Body: creds}, &resp)
	if err != nil {
		return domain.Session{}, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" || strings.TrimSpace(resp.UserID) == "" {
		return domain.Session{}, fmt.Errorf("login response is missing token or user id")
	}
	session := domain.Session{
		UserID:    resp.UserID,
		Name:      resp.Name,
		AuthToken: resp.AccessToken,
		LoggedIn:  true,
	}
	if exp, err := auth.InspectExpiry(resp.AccessToken); err == nil {
		session.ExpiresAt = exp
	}
	return session, nil
}

func collectionPath(kind domain.RecordKind) string {
	switch kind {
	case domain.KindProject:
		return "/api/projects"
	case domain.KindAlert:
		return "/api/alerts"
	case domain.KindTask:
		return "/api/tasks"
	}
	return ""
}

// FetchCollection accepts either a bare JSON array or an object wrapping the array
// under "items".
func (g *RESTGateway) FetchCollection(ctx context.Context, token string, kind domain.RecordKind) ([]domain.DomainRecord, error) {
	path := collectionPath(kind)
	if path == "" {
		return nil, fmt.Errorf("unknown collection kind %q", kind)
	}
	var raw json.RawMessage
	if err := g.client.Do(ctx, rest.Request{Method: http.MethodGet, Path: path, Token: token}, &raw); err != nil {
		return nil, err
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	now := time.Now().UTC()
	records := make([]domain.DomainRecord, 0, len(items))
	for i, item := range items {
		id := recordID(item)
		if id == "" {
			id = fmt.Sprintf("%s-%d", kind, i)
		}
		records = append(records, domain.DomainRecord{ID: id, Kind: kind, Payload: item, LastSyncedAt: now})
	}
	return records, nil
}

func decodeItems(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		err := json.Unmarshal(raw, &items)
		return items, err
	}
	var wrapped struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Items, nil
}

func recordID(item json.RawMessage) string {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return ""
	}
	switch v := probe.ID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (g *RESTGateway) UploadPhoto(ctx context.Context, token string, photo domain.PhotoUpload, data []byte, filename string) error {
	fields := map[string]string{
		"description": photo.Description,
		"timestamp":   photo.CapturedAt.UTC().Format(time.RFC3339),
	}
	if photo.Geolocation != nil {
		fields["latitude"] = strconv.FormatFloat(photo.Geolocation.Latitude, 'f', -1, 64)
		fields["longitude"] = strconv.FormatFloat(photo.Geolocation.Longitude, 'f', -1, 64)
	}
	req := rest.Request{
		Method: http.MethodPost,
		Path:   "/api/photos/upload",
		Token:  token,
		Multipart: &rest.Multipart{
			Fields:   fields,
			FileForm: "photo",
			FileName: filename,
			File:     data,
		},
	}
	return g.client.Do(ctx, req, nil)
}
