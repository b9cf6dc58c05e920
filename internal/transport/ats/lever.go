package ats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"integrations/internal/application/entity"
	"integrations/pkg/httpclient"

	"go.uber.org/zap"
)

const leverPageLimit = 100

// lever - Lever API v1. Запись от имени пользователя через perform_as.
type lever struct {
	api
	performAs string
}

func newLever(base, apiKey, performAs string, http httpclient.HTTPClient, logger *zap.SugaredLogger) *lever {
	return &lever{api: newAPI(entity.PlatformLever, base, apiKey, http, logger), performAs: performAs}
}

func (l *lever) Platform() entity.ATSPlatform { return entity.PlatformLever }

func (l *lever) Probe(ctx context.Context) error {
	_, _, err := l.call(ctx, http.MethodGet, "/users?limit=1", nil, "probe")
	return err
}

type leverPage struct {
	Data    []json.RawMessage `json:"data"`
	HasNext bool              `json:"hasNext"`
	Next    string            `json:"next"`
}

func (l *lever) List(ctx context.Context, et entity.EntityType) ([]entity.ExternalRecord, error) {
	var path string
	switch et {
	case entity.EntityRole:
		path = "/postings"
	case entity.EntityCandidate:
		path = "/opportunities"
	case entity.EntityApplication:
		path = "/opportunities?expand=applications"
	default:
		return nil, unsupported(l.platform, "list", et)
	}

	res := make([]entity.ExternalRecord, 0)
	offset := ""
	for page := 0; page < maxPages; page++ {
		p := withQuery(path, "limit", fmt.Sprint(leverPageLimit))
		if offset != "" {
			p = withQuery(p, "offset", offset)
		}
		body, _, err := l.call(ctx, http.MethodGet, p, nil, "list "+string(et))
		if err != nil {
			return nil, err
		}
		var pg leverPage
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, fmt.Errorf("lever list %s decode: %w", et, err)
		}
		for _, raw := range pg.Data {
			if et == entity.EntityApplication {
				apps, err := leverApplications(raw)
				if err != nil {
					return nil, err
				}
				res = append(res, apps...)
				continue
			}
			rec, err := leverRecord(et, raw)
			if err != nil {
				return nil, err
			}
			res = append(res, rec)
		}
		if !pg.HasNext || pg.Next == "" {
			break
		}
		offset = pg.Next
	}
	return res, nil
}

func (l *lever) Create(ctx context.Context, et entity.EntityType, payload json.RawMessage) (string, json.RawMessage, error) {
	var path string
	var body any = payload

	switch et {
	case entity.EntityRole:
		path = "/postings"
	case entity.EntityCandidate:
		path = "/opportunities"
		if c, ok := normalizedCandidate(payload); ok {
			body = leverCandidate(c)
		}
	default:
		// отклики в Lever создаются только вместе с opportunity
		return "", nil, unsupported(l.platform, "create", et)
	}

	resp, _, err := l.call(ctx, http.MethodPost, l.performAsQuery(path), body, "create "+string(et))
	if err != nil {
		return "", nil, err
	}
	rec, err := leverEnvelope(et, resp)
	if err != nil {
		return "", nil, err
	}
	if rec.ID == "" {
		return "", nil, fmt.Errorf("lever create %s: response without id", et)
	}
	return rec.ID, resp, nil
}

func (l *lever) Update(ctx context.Context, et entity.EntityType, externalID string, payload json.RawMessage) (json.RawMessage, error) {
	switch et {
	case entity.EntityRole:
		resp, _, err := l.call(ctx, http.MethodPost, l.performAsQuery("/postings/"+externalID), payload, "update role")
		return resp, err
	case entity.EntityCandidate:
		// контактные данные opportunity живут в contact: читаем opportunity, правим contact
		body, _, err := l.call(ctx, http.MethodGet, "/opportunities/"+externalID, nil, "get candidate")
		if err != nil {
			return nil, err
		}
		var opp struct {
			Data struct {
				Contact string `json:"contact"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &opp); err != nil {
			return nil, fmt.Errorf("lever opportunity decode: %w", err)
		}
		if opp.Data.Contact == "" {
			return nil, fmt.Errorf("lever opportunity %s has no contact", externalID)
		}
		var patch any = payload
		if c, ok := normalizedCandidate(payload); ok {
			patch = leverContact(c)
		}
		resp, _, err := l.call(ctx, http.MethodPut, "/contacts/"+opp.Data.Contact, patch, "update candidate")
		return resp, err
	default:
		return nil, unsupported(l.platform, "update", et)
	}
}

func (l *lever) Delete(ctx context.Context, et entity.EntityType, externalID string) error {
	return unsupported(l.platform, "delete", et)
}

func (l *lever) performAsQuery(path string) string {
	if l.performAs == "" {
		return path
	}
	return withQuery(path, "perform_as", l.performAs)
}

func withQuery(path, key, value string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + key + "=" + url.QueryEscape(value)
}

type leverHead struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
}

func leverRecord(et entity.EntityType, raw json.RawMessage) (entity.ExternalRecord, error) {
	var head leverHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return entity.ExternalRecord{}, fmt.Errorf("lever %s decode: %w", et, err)
	}
	rec := entity.ExternalRecord{ID: head.ID, Type: et, Data: raw}
	if head.UpdatedAt > 0 {
		ts := time.UnixMilli(head.UpdatedAt).UTC()
		rec.UpdatedAt = &ts
	}
	return rec, nil
}

// ответ на запись приходит в конверте {"data": {...}}
func leverEnvelope(et entity.EntityType, raw json.RawMessage) (entity.ExternalRecord, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return entity.ExternalRecord{}, fmt.Errorf("lever %s decode: %w", et, err)
	}
	if len(env.Data) == 0 {
		return entity.ExternalRecord{}, nil
	}
	return leverRecord(et, env.Data)
}

func leverApplications(opportunity json.RawMessage) ([]entity.ExternalRecord, error) {
	var opp struct {
		Applications []json.RawMessage `json:"applications"`
	}
	if err := json.Unmarshal(opportunity, &opp); err != nil {
		return nil, fmt.Errorf("lever applications decode: %w", err)
	}
	res := make([]entity.ExternalRecord, 0, len(opp.Applications))
	for _, raw := range opp.Applications {
		// без expand приходят только id
		if id := idString(raw); id != "" {
			res = append(res, entity.ExternalRecord{ID: id, Type: entity.EntityApplication, Data: raw})
			continue
		}
		rec, err := leverRecord(entity.EntityApplication, raw)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

type leverOpportunity struct {
	Name     string   `json:"name"`
	Headline string   `json:"headline,omitempty"`
	Emails   []string `json:"emails,omitempty"`
	Phones   []leverV `json:"phones,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Origin   string   `json:"origin"`
}

type leverV struct {
	Value string `json:"value"`
}

func leverCandidate(c entity.Candidate) leverOpportunity {
	out := leverOpportunity{
		Name:     strings.TrimSpace(c.FirstName + " " + c.LastName),
		Headline: leverHeadline(c),
		Tags:     c.Tags,
		Origin:   "sourced",
	}
	if c.Email != "" {
		out.Emails = []string{c.Email}
	}
	if c.Phone != "" {
		out.Phones = []leverV{{Value: c.Phone}}
	}
	return out
}

func leverContact(c entity.Candidate) map[string]any {
	out := map[string]any{"name": strings.TrimSpace(c.FirstName + " " + c.LastName)}
	if h := leverHeadline(c); h != "" {
		out["headline"] = h
	}
	if c.Email != "" {
		out["emails"] = []string{c.Email}
	}
	if c.Phone != "" {
		out["phones"] = []leverV{{Value: c.Phone}}
	}
	return out
}

func leverHeadline(c entity.Candidate) string {
	switch {
	case c.Title != "" && c.Company != "":
		return c.Title + " at " + c.Company
	case c.Title != "":
		return c.Title
	default:
		return c.Company
	}
}
