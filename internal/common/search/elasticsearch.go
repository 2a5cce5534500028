package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"filing-workflow/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticIndex(client *elasticsearch.Client, index string) *ElasticIndex {
	return &ElasticIndex{client: client, index: index}
}

// indexMapping keeps the filter fields exact so term queries match.
var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":                   map[string]string{"type": "keyword"},
			"companyId":            map[string]string{"type": "keyword"},
			"title":                map[string]string{"type": "text"},
			"status":               map[string]string{"type": "keyword"},
			"priority":             map[string]string{"type": "keyword"},
			"assignedAdvisorId":    map[string]string{"type": "keyword"},
			"assignedRegulatorId":  map[string]string{"type": "keyword"},
			"completionPercentage": map[string]string{"type": "integer"},
			"updatedAt":            map[string]string{"type": "date"},
		},
	},
}

// EnsureIndex creates the index with its mapping unless it already exists.
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("check index %s: %w", e.index, err)
	}
	exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	body, _ := json.Marshal(indexMapping)
	res, err := esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("create index %s: %w", e.index, err)
	}
	defer res.Body.Close()

	// 400 here is resource_already_exists_exception from a concurrent starter.
	if res.IsError() && res.StatusCode != 400 {
		return fmt.Errorf("create index %s failed: %s", e.index, res.String())
	}
	return nil
}

func (e *ElasticIndex) IndexApplication(ctx context.Context, app *models.Application) error {
	body, err := json.Marshal(DocumentFor(app))
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: app.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("index application %s: %w", app.ID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index application %s failed: %s", app.ID, res.String())
	}
	return nil
}

func (e *ElasticIndex) Search(ctx context.Context, q Query) (*Result, error) {
	q = q.Normalize()
	body, _ := json.Marshal(BuildQuery(q))

	req := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  strings.NewReader(string(body)),
		From:  &q.From,
		Size:  &q.Size,
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("search applications: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search query failed: %s", res.String())
	}

	var r struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := &Result{IDs: make([]string, 0, len(r.Hits.Hits)), Total: r.Hits.Total.Value}
	for _, h := range r.Hits.Hits {
		out.IDs = append(out.IDs, h.ID)
	}
	return out, nil
}

// BuildQuery renders q as an Elasticsearch bool query.
func BuildQuery(q Query) map[string]interface{} {
	must := []interface{}{}
	filter := []interface{}{}

	if q.Text != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q.Text,
				"fields": []string{"title^3", "companyId"},
				"type":   "best_fields",
			},
		})
	}
	if q.CompanyID != "" {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"companyId": q.CompanyID},
		})
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			statuses = append(statuses, string(s))
		}
		filter = append(filter, map[string]interface{}{
			"terms": map[string]interface{}{"status": statuses},
		})
	}
	if len(must) == 0 {
		must = append(must, map[string]interface{}{"match_all": map[string]interface{}{}})
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"_score": "desc"},
			map[string]interface{}{"updatedAt": "desc"},
		},
	}
}
