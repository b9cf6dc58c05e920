package ats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"integrations/internal/application/entity"
	"integrations/pkg/httpclient"

	"go.uber.org/zap"
)

const greenhousePerPage = 100

// greenhouse - Harvest API. Запись требует заголовок On-Behalf-Of (id пользователя Greenhouse).
type greenhouse struct {
	api
}

func newGreenhouse(base, apiKey, onBehalfOf string, http httpclient.HTTPClient, logger *zap.SugaredLogger) *greenhouse {
	a := newAPI(entity.PlatformGreenhouse, base, apiKey, http, logger)
	if onBehalfOf != "" {
		a.headers["On-Behalf-Of"] = onBehalfOf
	}
	return &greenhouse{api: a}
}

func (g *greenhouse) Platform() entity.ATSPlatform { return entity.PlatformGreenhouse }

func (g *greenhouse) Probe(ctx context.Context) error {
	_, _, err := g.call(ctx, http.MethodGet, "/users?per_page=1", nil, "probe")
	return err
}

var greenhouseCollections = map[entity.EntityType]string{
	entity.EntityRole:        "/jobs",
	entity.EntityCandidate:   "/candidates",
	entity.EntityApplication: "/applications",
}

func (g *greenhouse) List(ctx context.Context, et entity.EntityType) ([]entity.ExternalRecord, error) {
	path, ok := greenhouseCollections[et]
	if !ok {
		return nil, unsupported(g.platform, "list", et)
	}

	res := make([]entity.ExternalRecord, 0)
	for page := 1; page <= maxPages; page++ {
		body, _, err := g.call(ctx, http.MethodGet, fmt.Sprintf("%s?per_page=%d&page=%d", path, greenhousePerPage, page), nil, "list "+string(et))
		if err != nil {
			return nil, err
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("greenhouse list %s decode: %w", et, err)
		}
		for _, raw := range items {
			rec, err := greenhouseRecord(et, raw)
			if err != nil {
				return nil, err
			}
			res = append(res, rec)
		}
		if len(items) < greenhousePerPage {
			break
		}
	}
	return res, nil
}

func (g *greenhouse) Create(ctx context.Context, et entity.EntityType, payload json.RawMessage) (string, json.RawMessage, error) {
	var path string
	var body any = payload

	switch et {
	case entity.EntityRole:
		path = "/jobs"
	case entity.EntityCandidate:
		path = "/candidates"
		if c, ok := normalizedCandidate(payload); ok {
			body = greenhouseCandidate(c)
		}
	case entity.EntityApplication:
		// отклик создаётся на кандидата: POST /candidates/{id}/applications
		var ref struct {
			CandidateID json.RawMessage `json:"candidate_id"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil || idString(ref.CandidateID) == "" {
			return "", nil, fmt.Errorf("greenhouse application requires candidate_id: %w", unsupported(g.platform, "create", et))
		}
		path = "/candidates/" + idString(ref.CandidateID) + "/applications"
	default:
		return "", nil, unsupported(g.platform, "create", et)
	}

	resp, _, err := g.call(ctx, http.MethodPost, path, body, "create "+string(et))
	if err != nil {
		return "", nil, err
	}
	rec, err := greenhouseRecord(et, resp)
	if err != nil {
		return "", nil, err
	}
	if rec.ID == "" {
		return "", nil, fmt.Errorf("greenhouse create %s: response without id", et)
	}
	return rec.ID, resp, nil
}

func (g *greenhouse) Update(ctx context.Context, et entity.EntityType, externalID string, payload json.RawMessage) (json.RawMessage, error) {
	path, ok := greenhouseCollections[et]
	if !ok {
		return nil, unsupported(g.platform, "update", et)
	}
	var body any = payload
	if et == entity.EntityCandidate {
		if c, ok := normalizedCandidate(payload); ok {
			body = greenhouseCandidate(c)
		}
	}
	resp, _, err := g.call(ctx, http.MethodPatch, path+"/"+externalID, body, "update "+string(et))
	return resp, err
}

func (g *greenhouse) Delete(ctx context.Context, et entity.EntityType, externalID string) error {
	switch et {
	case entity.EntityCandidate, entity.EntityApplication:
		_, _, err := g.call(ctx, http.MethodDelete, greenhouseCollections[et]+"/"+externalID, nil, "delete "+string(et))
		return err
	default:
		// вакансии в Harvest не удаляются, только закрываются
		return unsupported(g.platform, "delete", et)
	}
}

func greenhouseRecord(et entity.EntityType, raw json.RawMessage) (entity.ExternalRecord, error) {
	var head struct {
		ID        json.RawMessage `json:"id"`
		UpdatedAt *time.Time      `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return entity.ExternalRecord{}, fmt.Errorf("greenhouse %s decode: %w", et, err)
	}
	return entity.ExternalRecord{ID: idString(head.ID), Type: et, Data: raw, UpdatedAt: head.UpdatedAt}, nil
}

type ghValue struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

type ghCandidate struct {
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Company        string    `json:"company,omitempty"`
	Title          string    `json:"title,omitempty"`
	EmailAddresses []ghValue `json:"email_addresses,omitempty"`
	PhoneNumbers   []ghValue `json:"phone_numbers,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
}

func greenhouseCandidate(c entity.Candidate) ghCandidate {
	out := ghCandidate{
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Company:   c.Company,
		Title:     c.Title,
		Tags:      c.Tags,
	}
	if c.Email != "" {
		out.EmailAddresses = []ghValue{{Value: c.Email, Type: "personal"}}
	}
	if c.Phone != "" {
		out.PhoneNumbers = []ghValue{{Value: c.Phone, Type: "mobile"}}
	}
	return out
}
