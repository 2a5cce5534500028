// Package search indexes application summaries for free-text lookup.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"filing-workflow/internal/models"
)

const (
	DefaultSize = 20
	MaxSize     = 100
)

// Document is the indexed projection of an application.
type Document struct {
	ID                   string        `json:"id"`
	CompanyID            string        `json:"companyId"`
	Title                string        `json:"title"`
	Status               models.Status `json:"status"`
	Priority             string        `json:"priority"`
	AssignedAdvisorID    string        `json:"assignedAdvisorId,omitempty"`
	AssignedRegulatorID  string        `json:"assignedRegulatorId,omitempty"`
	CompletionPercentage int           `json:"completionPercentage"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

func DocumentFor(app *models.Application) Document {
	return Document{
		ID:                   app.ID,
		CompanyID:            app.CompanyID,
		Title:                app.Title,
		Status:               app.Status,
		Priority:             string(app.Priority),
		AssignedAdvisorID:    app.AssignedAdvisorID,
		AssignedRegulatorID:  app.AssignedRegulatorID,
		CompletionPercentage: app.CompletionPercentage,
		UpdatedAt:            app.UpdatedAt,
	}
}

type Query struct {
	Text      string
	CompanyID string
	Statuses  []models.Status
	From      int
	Size      int
}

// Normalize clamps paging to sane bounds.
func (q Query) Normalize() Query {
	if q.From < 0 {
		q.From = 0
	}
	if q.Size < 1 {
		q.Size = DefaultSize
	}
	if q.Size > MaxSize {
		q.Size = MaxSize
	}
	q.Text = strings.TrimSpace(q.Text)
	return q
}

type Result struct {
	IDs   []string `json:"ids"`
	Total int64    `json:"total"`
}

type Indexer interface {
	IndexApplication(ctx context.Context, app *models.Application) error
	Search(ctx context.Context, q Query) (*Result, error)
}

// MemoryIndex is an in-process Indexer that matches on title substrings.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func (m *MemoryIndex) IndexApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[app.ID] = DocumentFor(app)
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, q Query) (*Result, error) {
	q = q.Normalize()
	text := strings.ToLower(q.Text)

	m.mu.RLock()
	var hits []Document
	for _, d := range m.docs {
		if q.CompanyID != "" && d.CompanyID != q.CompanyID {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, d.Status) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(d.Title), text) {
			continue
		}
		hits = append(hits, d)
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].UpdatedAt.Equal(hits[j].UpdatedAt) {
			return hits[i].UpdatedAt.After(hits[j].UpdatedAt)
		}
		return hits[i].ID < hits[j].ID
	})

	res := &Result{IDs: []string{}, Total: int64(len(hits))}
	for i := q.From; i < len(hits) && i < q.From+q.Size; i++ {
		res.IDs = append(res.IDs, hits[i].ID)
	}
	return res, nil
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
