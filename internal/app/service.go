package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"canvaskeep/api/internal/audit"
	"canvaskeep/api/internal/config"
	"canvaskeep/api/internal/extract"
	"canvaskeep/api/internal/scene"
	"canvaskeep/api/internal/search"
	"canvaskeep/api/internal/store"
	"canvaskeep/api/internal/util"
)

// SaveInput is one save request flowing through the pipeline.
type SaveInput struct {
	DocumentID    string
	Actor         string
	ExpectedToken string
	Label         string
	Payload       scene.Payload
	Preview       []byte
}

// SaveResult reports a committed save back to the caller.
type SaveResult struct {
	DocumentID string              `json:"documentId"`
	Version    int64               `json:"version"`
	Token      string              `json:"token"`
	Cleanup    scene.CleanupReport `json:"cleanup"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// CleanupResult reports an explicit attachment cleanup. Cleaned is false when
// nothing was orphaned and no new version was written.
type CleanupResult struct {
	Cleaned      bool     `json:"cleaned"`
	Removed      []string `json:"removed"`
	FilesRemoved int      `json:"filesRemoved"`
	BytesFreed   int64    `json:"bytesFreed"`
	Version      int64    `json:"version"`
	Token        string   `json:"token"`
}

// PermissionChecker answers whether an actor may write to a document.
// Deployments plug in their own backend; the default allows everyone.
type PermissionChecker interface {
	CanEdit(ctx context.Context, actor, documentID string) (bool, error)
}

// AllowAll permits every actor. Used when no permission backend is wired.
type AllowAll struct{}

func (AllowAll) CanEdit(ctx context.Context, actor, documentID string) (bool, error) {
	return true, nil
}

type dataStore interface {
	CreateDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	AppendVersion(context.Context, store.AppendVersionInput) (store.Version, error)
	ListVersions(context.Context, string, int, int) ([]store.Version, int, error)
	GetVersion(context.Context, string, int64) (store.Version, error)
	GetLatestVersion(context.Context, string) (store.Version, error)
	DeleteDocument(context.Context, string) error
	Ping(context.Context) error
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexScene(rec search.SceneRecord)
	DeleteScene(id string)
}

type previewStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	search    searcher
	audit     audit.Sink
	previews  previewStore
	perms     PermissionChecker
	extractor *extract.Extractor
}

// New wires the save pipeline. search, sink, and previews may be nil; perms
// nil means AllowAll.
func New(cfg config.Config, st dataStore, srch searcher, sink audit.Sink, previews previewStore, perms PermissionChecker) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if perms == nil {
		perms = AllowAll{}
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		search:    srch,
		audit:     sink,
		previews:  previews,
		perms:     perms,
		extractor: extract.New(cfg.ExtractMaxRunes),
	}
}

// CreateDocument creates an empty document and, when a scene is supplied,
// immediately saves it as version 1.
func (s *Service) CreateDocument(ctx context.Context, actor, title string, payload *scene.Payload) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	doc := store.Document{
		ID:               util.NewID("doc"),
		Title:            title,
		ConcurrencyToken: uuid.NewString(),
		UpdatedBy:        actor,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventDocumentCreated,
		DocumentID: doc.ID,
		Actor:      actor,
		At:         time.Now(),
	})

	result := map[string]any{
		"id":          doc.ID,
		"title":       doc.Title,
		"version":     int64(0),
		"token":       doc.ConcurrencyToken,
		"maxVersions": s.cfg.MaxVersionsPerDocument,
	}

	if payload != nil {
		saved, err := s.SaveVersion(ctx, SaveInput{
			DocumentID:    doc.ID,
			Actor:         actor,
			ExpectedToken: doc.ConcurrencyToken,
			Label:         "Initial version",
			Payload:       *payload,
		})
		if err != nil {
			return nil, err
		}
		result["version"] = saved.Version
		result["token"] = saved.Token
	}
	return result, nil
}

// SaveVersion runs the full pipeline: permission check, orphan collection,
// text extraction, then the token-checked append. Index, audit, and preview
// writes happen after commit and never fail the save.
func (s *Service) SaveVersion(ctx context.Context, in SaveInput) (SaveResult, error) {
	allowed, err := s.perms.CanEdit(ctx, in.Actor, in.DocumentID)
	if err != nil {
		return SaveResult{}, fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		return SaveResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	cleaned, report := scene.Collect(in.Payload)
	text := s.extractor.Extract(cleaned)

	raw, err := json.Marshal(cleaned)
	if err != nil {
		return SaveResult{}, fmt.Errorf("encode scene: %w", err)
	}

	newToken := uuid.NewString()
	version, err := s.store.AppendVersion(ctx, store.AppendVersionInput{
		DocumentID:    in.DocumentID,
		ExpectedToken: in.ExpectedToken,
		NewToken:      newToken,
		Author:        in.Actor,
		Label:         in.Label,
		Payload:       raw,
		SearchText:    text,
		HasPreview:    len(in.Preview) > 0 && s.previews != nil,
	})
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			s.audit.Emit(ctx, audit.Event{
				Type:       audit.EventSaveConflict,
				DocumentID: in.DocumentID,
				Actor:      in.Actor,
				At:         time.Now(),
			})
			return SaveResult{}, domainError(http.StatusConflict, "CONFLICT", "Document was modified by someone else", map[string]any{
				"currentToken": conflict.CurrentToken,
			})
		}
		return SaveResult{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventVersionSaved,
		DocumentID: in.DocumentID,
		Version:    version.Version,
		Actor:      in.Actor,
		Label:      in.Label,
		At:         version.CreatedAt,
	})

	if s.search != nil {
		doc, err := s.store.GetDocument(ctx, in.DocumentID)
		title := ""
		if err == nil {
			title = doc.Title
		}
		s.search.IndexScene(search.SceneRecord{ID: in.DocumentID, Title: title, Text: text})
	}

	if version.PreviewKey != "" {
		preview := in.Preview
		key := version.PreviewKey
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.previews.Put(ctx, key, preview, "image/png"); err != nil {
				log.Printf("save: upload preview %s: %v", key, err)
			}
		}()
	}

	return SaveResult{
		DocumentID: in.DocumentID,
		Version:    version.Version,
		Token:      newToken,
		Cleanup:    report,
		CreatedAt:  version.CreatedAt,
	}, nil
}

// GetDocument returns the document head.
func (s *Service) GetDocument(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.documentPayload(doc), nil
}

// ListDocuments returns all document heads, most recently updated first.
func (s *Service) ListDocuments(ctx context.Context) ([]map[string]any, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		items = append(items, s.documentPayload(doc))
	}
	return items, nil
}

func (s *Service) documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"title":       doc.Title,
		"version":     doc.CurrentVersion,
		"token":       doc.ConcurrencyToken,
		"previewKey":  doc.PreviewKey,
		"updatedBy":   doc.UpdatedBy,
		"createdAt":   doc.CreatedAt,
		"updatedAt":   doc.UpdatedAt,
		"maxVersions": s.cfg.MaxVersionsPerDocument,
		// editors construct their session controller from these
		"autosave": map[string]any{
			"intervalMs": s.cfg.AutosaveInterval.Milliseconds(),
			"debounceMs": s.cfg.AutosaveDebounce.Milliseconds(),
		},
	}
}

// DeleteDocument removes a document head and, via cascade, its versions.
// The search index entry is dropped fire-and-forget.
func (s *Service) DeleteDocument(ctx context.Context, documentID, actor string) error {
	allowed, err := s.perms.CanEdit(ctx, actor, documentID)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventDocumentDeleted,
		DocumentID: documentID,
		Actor:      actor,
		At:         time.Now(),
	})
	if s.search != nil {
		s.search.DeleteScene(documentID)
	}
	return nil
}

// GetPreview streams the stored preview image of one version. The caller
// closes the reader.
func (s *Service) GetPreview(ctx context.Context, documentID string, number int64) (io.ReadCloser, error) {
	if s.previews == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Preview storage is not configured", nil)
	}
	v, err := s.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	if v.PreviewKey == "" {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No preview for this version", nil)
	}
	return s.previews.Get(ctx, v.PreviewKey)
}

// ListVersions returns version history metadata, newest first.
func (s *Service) ListVersions(ctx context.Context, documentID string, limit, offset int) (map[string]any, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	versions, total, err := s.store.ListVersions(ctx, documentID, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionSummary(v))
	}
	return map[string]any{
		"items": items,
		"total": total,
	}, nil
}

// GetVersion returns one version including its scene payload.
func (s *Service) GetVersion(ctx context.Context, documentID string, number int64) (map[string]any, error) {
	v, err := s.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	payload := versionSummary(v)
	payload["scene"] = v.Payload
	return payload, nil
}

func versionSummary(v store.Version) map[string]any {
	return map[string]any{
		"documentId": v.DocumentID,
		"version":    v.Version,
		"author":     v.Author,
		"label":      v.Label,
		"previewKey": v.PreviewKey,
		"sizeBytes":  v.PayloadBytes,
		"createdAt":  v.CreatedAt,
	}
}

// RestoreVersion copies an old version forward as a brand-new head version.
// History is never rewound: restoring version 2 of a document at version 5
// produces version 6.
func (s *Service) RestoreVersion(ctx context.Context, documentID string, number int64, actor string) (SaveResult, error) {
	v, err := s.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return SaveResult{}, err
	}

	var payload scene.Payload
	if err := json.Unmarshal(v.Payload, &payload); err != nil {
		return SaveResult{}, fmt.Errorf("decode version %d: %w", number, err)
	}

	result, err := s.SaveVersion(ctx, SaveInput{
		DocumentID: documentID,
		Actor:      actor,
		Label:      "Restored from version " + strconv.FormatInt(number, 10),
		Payload:    payload,
	})
	if err != nil {
		return SaveResult{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventVersionRestored,
		DocumentID: documentID,
		Version:    result.Version,
		Actor:      actor,
		At:         time.Now(),
		Detail:     map[string]string{"restoredFrom": strconv.FormatInt(number, 10)},
	})
	return result, nil
}

// CleanupAttachments prunes attachments no live node references. When nothing
// is orphaned the document is left untouched and the current head is
// reported back.
func (s *Service) CleanupAttachments(ctx context.Context, documentID, actor string) (CleanupResult, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return CleanupResult{}, err
	}

	latest, err := s.store.GetLatestVersion(ctx, documentID)
	if err != nil {
		return CleanupResult{}, err
	}

	var payload scene.Payload
	if err := json.Unmarshal(latest.Payload, &payload); err != nil {
		return CleanupResult{}, fmt.Errorf("decode version %d: %w", latest.Version, err)
	}

	_, report := scene.Collect(payload)
	if len(report.Removed) == 0 {
		return CleanupResult{
			Cleaned:    false,
			Removed:    []string{},
			BytesFreed: 0,
			Version:    doc.CurrentVersion,
			Token:      doc.ConcurrencyToken,
		}, nil
	}

	label := fmt.Sprintf("Removed %d unused attachment(s)", len(report.Removed))
	result, err := s.SaveVersion(ctx, SaveInput{
		DocumentID:    documentID,
		Actor:         actor,
		ExpectedToken: doc.ConcurrencyToken,
		Label:         label,
		Payload:       payload,
	})
	if err != nil {
		return CleanupResult{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Type:       audit.EventAttachmentsCleaned,
		DocumentID: documentID,
		Version:    result.Version,
		Actor:      actor,
		At:         time.Now(),
		Detail: map[string]string{
			"removed":    strconv.Itoa(len(report.Removed)),
			"bytesFreed": strconv.FormatInt(report.BytesFreed, 10),
		},
	})

	return CleanupResult{
		Cleaned:      true,
		Removed:      report.Removed,
		FilesRemoved: len(report.Removed),
		BytesFreed:   report.BytesFreed,
		Version:      result.Version,
		Token:        result.Token,
	}, nil
}

// Search runs a full-text query over document titles and extracted text.
func (s *Service) Search(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{Text: text, Limit: limit, Offset: offset}), nil
}

// Ping reports backing-store health.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
