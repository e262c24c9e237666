package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"canvaskeep/api/internal/audit"
	"canvaskeep/api/internal/config"
	"canvaskeep/api/internal/scene"
	"canvaskeep/api/internal/search"
	"canvaskeep/api/internal/store"
)

type fakeStore struct {
	CreateDocumentFn   func(ctx context.Context, doc store.Document) error
	GetDocumentFn      func(ctx context.Context, id string) (store.Document, error)
	ListDocumentsFn    func(ctx context.Context) ([]store.Document, error)
	AppendVersionFn    func(ctx context.Context, in store.AppendVersionInput) (store.Version, error)
	ListVersionsFn     func(ctx context.Context, id string, limit, offset int) ([]store.Version, int, error)
	GetVersionFn       func(ctx context.Context, id string, number int64) (store.Version, error)
	GetLatestVersionFn func(ctx context.Context, id string) (store.Version, error)
	DeleteDocumentFn   func(ctx context.Context, id string) error
	PingFn             func(ctx context.Context) error
}

func (f *fakeStore) CreateDocument(ctx context.Context, doc store.Document) error {
	if f.CreateDocumentFn != nil {
		return f.CreateDocumentFn(ctx, doc)
	}
	return nil
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.GetDocumentFn != nil {
		return f.GetDocumentFn(ctx, id)
	}
	return store.Document{ID: id, Title: "Untitled"}, nil
}

func (f *fakeStore) ListDocuments(ctx context.Context) ([]store.Document, error) {
	if f.ListDocumentsFn != nil {
		return f.ListDocumentsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) AppendVersion(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
	if f.AppendVersionFn != nil {
		return f.AppendVersionFn(ctx, in)
	}
	return store.Version{DocumentID: in.DocumentID, Version: 1, Payload: in.Payload}, nil
}

func (f *fakeStore) ListVersions(ctx context.Context, id string, limit, offset int) ([]store.Version, int, error) {
	if f.ListVersionsFn != nil {
		return f.ListVersionsFn(ctx, id, limit, offset)
	}
	return nil, 0, nil
}

func (f *fakeStore) GetVersion(ctx context.Context, id string, number int64) (store.Version, error) {
	if f.GetVersionFn != nil {
		return f.GetVersionFn(ctx, id, number)
	}
	return store.Version{}, sql.ErrNoRows
}

func (f *fakeStore) GetLatestVersion(ctx context.Context, id string) (store.Version, error) {
	if f.GetLatestVersionFn != nil {
		return f.GetLatestVersionFn(ctx, id)
	}
	return store.Version{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteDocument(ctx context.Context, id string) error {
	if f.DeleteDocumentFn != nil {
		return f.DeleteDocumentFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.PingFn != nil {
		return f.PingFn(ctx)
	}
	return nil
}

type recordSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordSink) Emit(ctx context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakePreviews struct {
	PutFn func(ctx context.Context, key string, data []byte, contentType string) error
	GetFn func(ctx context.Context, key string) (io.ReadCloser, error)
}

func (f *fakePreviews) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.PutFn != nil {
		return f.PutFn(ctx, key, data, contentType)
	}
	return nil
}

func (f *fakePreviews) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, key)
	}
	return nil, sql.ErrNoRows
}

type denyAll struct{}

func (denyAll) CanEdit(ctx context.Context, actor, documentID string) (bool, error) {
	return false, nil
}

func newTestService(st dataStore, sink audit.Sink) *Service {
	return New(config.Load(), st, nil, sink, nil, nil)
}

func TestSaveVersionWinnerAndLoser(t *testing.T) {
	// Two clients both hold token T3. The store accepts the first swap and
	// rejects the second with the token the winner installed.
	storedToken := "T3"
	st := &fakeStore{
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			if in.ExpectedToken != storedToken {
				return store.Version{}, &store.ConflictError{CurrentToken: storedToken}
			}
			storedToken = in.NewToken
			return store.Version{DocumentID: in.DocumentID, Version: 4}, nil
		},
	}
	sink := &recordSink{}
	svc := newTestService(st, sink)

	winner, err := svc.SaveVersion(context.Background(), SaveInput{
		DocumentID:    "doc-1",
		Actor:         "avery",
		ExpectedToken: "T3",
	})
	if err != nil {
		t.Fatalf("winner save: %v", err)
	}
	if winner.Version != 4 {
		t.Errorf("winner version = %d, want 4", winner.Version)
	}
	if winner.Token != storedToken {
		t.Errorf("winner token not installed in store")
	}

	_, err = svc.SaveVersion(context.Background(), SaveInput{
		DocumentID:    "doc-1",
		Actor:         "blair",
		ExpectedToken: "T3",
	})
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("loser err = %v, want 409 DomainError", err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["currentToken"] != winner.Token {
		t.Errorf("conflict details = %v, want currentToken %q", domainErr.Details, winner.Token)
	}

	types := sink.types()
	if len(types) != 2 || types[0] != audit.EventVersionSaved || types[1] != audit.EventSaveConflict {
		t.Errorf("audit events = %v", types)
	}
}

func TestSaveVersionPrunesOrphansAndExtractsText(t *testing.T) {
	var got store.AppendVersionInput
	st := &fakeStore{
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			got = in
			return store.Version{DocumentID: in.DocumentID, Version: 1}, nil
		},
	}
	svc := newTestService(st, nil)

	payload := scene.Payload{
		Nodes: []scene.Node{
			{ID: "n1", Type: "text", Text: "hello canvas"},
			{ID: "n2", Type: "image", AttachmentID: "a1"},
		},
		Attachments: map[string]scene.Attachment{
			"a1": {MIME: "image/png", Data: []byte{1, 2}},
			"a2": {MIME: "image/png", Data: []byte{3, 4, 5}},
		},
	}

	result, err := svc.SaveVersion(context.Background(), SaveInput{
		DocumentID: "doc-1",
		Actor:      "avery",
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}

	if got.SearchText != "hello canvas" {
		t.Errorf("SearchText = %q", got.SearchText)
	}
	if len(result.Cleanup.Removed) != 1 || result.Cleanup.Removed[0] != "a2" {
		t.Errorf("Cleanup.Removed = %v, want [a2]", result.Cleanup.Removed)
	}

	var persisted scene.Payload
	if err := json.Unmarshal(got.Payload, &persisted); err != nil {
		t.Fatalf("decode persisted payload: %v", err)
	}
	if _, ok := persisted.Attachments["a2"]; ok {
		t.Error("orphaned attachment a2 was persisted")
	}
	if _, ok := persisted.Attachments["a1"]; !ok {
		t.Error("referenced attachment a1 was dropped")
	}
}

func TestSaveVersionForbidden(t *testing.T) {
	svc := New(config.Load(), &fakeStore{}, nil, nil, nil, denyAll{})

	_, err := svc.SaveVersion(context.Background(), SaveInput{DocumentID: "doc-1", Actor: "mallory"})
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 DomainError", err)
	}
}

func TestRestoreVersionAppendsNewVersion(t *testing.T) {
	old := scene.Payload{Nodes: []scene.Node{{ID: "n1", Type: "text", Text: "old state"}}}
	oldRaw, _ := json.Marshal(old)

	var appended store.AppendVersionInput
	st := &fakeStore{
		GetVersionFn: func(ctx context.Context, id string, number int64) (store.Version, error) {
			if number != 2 {
				return store.Version{}, sql.ErrNoRows
			}
			return store.Version{DocumentID: id, Version: 2, Payload: oldRaw}, nil
		},
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			appended = in
			return store.Version{DocumentID: in.DocumentID, Version: 6}, nil
		},
	}
	sink := &recordSink{}
	svc := newTestService(st, sink)

	result, err := svc.RestoreVersion(context.Background(), "doc-1", 2, "avery")
	if err != nil {
		t.Fatalf("RestoreVersion: %v", err)
	}
	if result.Version != 6 {
		t.Errorf("version = %d, want 6 (history must never rewind)", result.Version)
	}
	if appended.Label != "Restored from version 2" {
		t.Errorf("label = %q", appended.Label)
	}
	if appended.ExpectedToken != "" {
		t.Errorf("restore must skip the token check, got %q", appended.ExpectedToken)
	}
	if appended.SearchText != "old state" {
		t.Errorf("SearchText = %q", appended.SearchText)
	}

	types := sink.types()
	if len(types) != 2 || types[1] != audit.EventVersionRestored {
		t.Errorf("audit events = %v", types)
	}
}

func TestCleanupAttachmentsRemovesOrphans(t *testing.T) {
	payload := scene.Payload{
		Nodes: []scene.Node{{ID: "n1", Type: "image", AttachmentID: "a1"}},
		Attachments: map[string]scene.Attachment{
			"a1": {MIME: "image/png", Data: []byte{1}},
			"a2": {MIME: "image/png", Data: make([]byte, 64)},
		},
	}
	raw, _ := json.Marshal(payload)

	st := &fakeStore{
		GetDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Title: "Board", CurrentVersion: 3, ConcurrencyToken: "T3"}, nil
		},
		GetLatestVersionFn: func(ctx context.Context, id string) (store.Version, error) {
			return store.Version{DocumentID: id, Version: 3, Payload: raw}, nil
		},
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			return store.Version{DocumentID: in.DocumentID, Version: 4}, nil
		},
	}
	sink := &recordSink{}
	svc := newTestService(st, sink)

	result, err := svc.CleanupAttachments(context.Background(), "doc-1", "avery")
	if err != nil {
		t.Fatalf("CleanupAttachments: %v", err)
	}
	if !result.Cleaned || result.FilesRemoved != 1 || len(result.Removed) != 1 || result.Removed[0] != "a2" {
		t.Errorf("result = %+v, want a2 removed", result)
	}
	if result.BytesFreed <= 64 {
		t.Errorf("BytesFreed = %d, want more than raw data size", result.BytesFreed)
	}
	if result.Version != 4 {
		t.Errorf("version = %d, want 4", result.Version)
	}

	found := false
	for _, typ := range sink.types() {
		if typ == audit.EventAttachmentsCleaned {
			found = true
		}
	}
	if !found {
		t.Error("no attachments.cleaned audit event")
	}
}

func TestCleanupAttachmentsNoOrphansIsNoOp(t *testing.T) {
	payload := scene.Payload{
		Nodes:       []scene.Node{{ID: "n1", Type: "image", AttachmentID: "a1"}},
		Attachments: map[string]scene.Attachment{"a1": {MIME: "image/png"}},
	}
	raw, _ := json.Marshal(payload)

	appends := 0
	st := &fakeStore{
		GetDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, CurrentVersion: 3, ConcurrencyToken: "T3"}, nil
		},
		GetLatestVersionFn: func(ctx context.Context, id string) (store.Version, error) {
			return store.Version{DocumentID: id, Version: 3, Payload: raw}, nil
		},
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			appends++
			return store.Version{Version: 4}, nil
		},
	}
	svc := newTestService(st, nil)

	result, err := svc.CleanupAttachments(context.Background(), "doc-1", "avery")
	if err != nil {
		t.Fatalf("CleanupAttachments: %v", err)
	}
	if appends != 0 {
		t.Errorf("cleanup with nothing orphaned appended %d versions", appends)
	}
	if result.Cleaned {
		t.Error("Cleaned = true, want false for a no-op")
	}
	if result.Version != 3 || result.Token != "T3" {
		t.Errorf("result = %+v, want current head reported back", result)
	}
	if result.BytesFreed != 0 || len(result.Removed) != 0 {
		t.Errorf("result = %+v, want nothing removed", result)
	}
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.CreateDocument(context.Background(), "avery", "   ", nil)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422 DomainError", err)
	}
}

func TestCreateDocumentWithInitialScene(t *testing.T) {
	var created store.Document
	var appended store.AppendVersionInput
	st := &fakeStore{
		CreateDocumentFn: func(ctx context.Context, doc store.Document) error {
			created = doc
			return nil
		},
		AppendVersionFn: func(ctx context.Context, in store.AppendVersionInput) (store.Version, error) {
			appended = in
			return store.Version{DocumentID: in.DocumentID, Version: 1}, nil
		},
	}
	svc := newTestService(st, nil)

	payload, err := svc.CreateDocument(context.Background(), "avery", "Board", &scene.Payload{
		Nodes: []scene.Node{{ID: "n1", Type: "text", Text: "kickoff"}},
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if !strings.HasPrefix(created.ID, "doc_") {
		t.Errorf("document id = %q", created.ID)
	}
	if appended.ExpectedToken != created.ConcurrencyToken {
		t.Errorf("initial save used token %q, want seed token %q", appended.ExpectedToken, created.ConcurrencyToken)
	}
	if payload["version"] != int64(1) {
		t.Errorf("version = %v, want 1", payload["version"])
	}
}

type recordSearch struct {
	mu      sync.Mutex
	records []search.SceneRecord
	deleted []string
}

func (r *recordSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (r *recordSearch) IndexScene(rec search.SceneRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordSearch) DeleteScene(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

func TestSaveVersionIndexesExtractedText(t *testing.T) {
	st := &fakeStore{
		GetDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Title: "Board"}, nil
		},
	}
	srch := &recordSearch{}
	svc := New(config.Load(), st, srch, nil, nil, nil)

	_, err := svc.SaveVersion(context.Background(), SaveInput{
		DocumentID: "doc-1",
		Payload:    scene.Payload{Nodes: []scene.Node{{ID: "n1", Type: "text", Text: "findable words"}}},
	})
	if err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}

	srch.mu.Lock()
	defer srch.mu.Unlock()
	if len(srch.records) != 1 {
		t.Fatalf("indexed %d records, want 1", len(srch.records))
	}
	if srch.records[0].Title != "Board" || srch.records[0].Text != "findable words" {
		t.Errorf("record = %+v", srch.records[0])
	}
}

func TestDeleteDocumentDropsIndexAndAudits(t *testing.T) {
	deleted := ""
	st := &fakeStore{
		DeleteDocumentFn: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	srch := &recordSearch{}
	sink := &recordSink{}
	svc := New(config.Load(), st, srch, sink, nil, nil)

	if err := svc.DeleteDocument(context.Background(), "doc-1", "avery"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if deleted != "doc-1" {
		t.Errorf("deleted = %q", deleted)
	}

	srch.mu.Lock()
	if len(srch.deleted) != 1 || srch.deleted[0] != "doc-1" {
		t.Errorf("index deletions = %v", srch.deleted)
	}
	srch.mu.Unlock()

	types := sink.types()
	if len(types) != 1 || types[0] != audit.EventDocumentDeleted {
		t.Errorf("audit events = %v", types)
	}
}

func TestDeleteDocumentForbidden(t *testing.T) {
	deletes := 0
	st := &fakeStore{
		DeleteDocumentFn: func(ctx context.Context, id string) error {
			deletes++
			return nil
		},
	}
	svc := New(config.Load(), st, nil, nil, nil, denyAll{})

	err := svc.DeleteDocument(context.Background(), "doc-1", "mallory")
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("err = %v, want 403 DomainError", err)
	}
	if deletes != 0 {
		t.Error("forbidden delete reached the store")
	}
}

func TestGetPreviewWithoutStorageIs404(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)

	_, err := svc.GetPreview(context.Background(), "doc-1", 2)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 DomainError", err)
	}
}

func TestGetPreviewWithoutKeyIs404(t *testing.T) {
	st := &fakeStore{
		GetVersionFn: func(ctx context.Context, id string, number int64) (store.Version, error) {
			return store.Version{DocumentID: id, Version: number}, nil
		},
	}
	svc := New(config.Load(), st, nil, nil, &fakePreviews{}, nil)

	_, err := svc.GetPreview(context.Background(), "doc-1", 2)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 DomainError", err)
	}
}

func TestDocumentPayloadAdvertisesAutosaveTuning(t *testing.T) {
	cfg := config.Load()
	cfg.AutosaveInterval = 45 * time.Second
	cfg.AutosaveDebounce = 1500 * time.Millisecond
	st := &fakeStore{
		GetDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Title: "Board"}, nil
		},
	}
	svc := New(cfg, st, nil, nil, nil, nil)

	payload, err := svc.GetDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	autosave, ok := payload["autosave"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %v, missing autosave block", payload)
	}
	if autosave["intervalMs"] != int64(45000) || autosave["debounceMs"] != int64(1500) {
		t.Errorf("autosave = %v, want configured interval and debounce", autosave)
	}
}

func asDomainError(err error, target **DomainError) bool {
	return errors.As(err, target)
}
