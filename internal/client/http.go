package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"canvaskeep/api/internal/scene"
)

// HTTPSaver implements Saver against the save endpoint of a running API.
type HTTPSaver struct {
	baseURL    string
	documentID string
	actor      string
	httpClient *http.Client
}

// NewHTTPSaver targets one document on one API instance.
func NewHTTPSaver(baseURL, documentID, actor string) *HTTPSaver {
	return &HTTPSaver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		documentID: documentID,
		actor:      actor,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Save posts one snapshot. A 409 response surfaces as *ConflictError carrying
// the winner's token.
func (s *HTTPSaver) Save(ctx context.Context, payload scene.Payload, token, label string) (SaveResult, error) {
	body, err := json.Marshal(map[string]any{
		"expectedToken": token,
		"label":         label,
		"scene":         payload,
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("encode save body: %w", err)
	}

	url := fmt.Sprintf("%s/api/documents/%s/versions", s.baseURL, s.documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SaveResult{}, fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.actor != "" {
		req.Header.Set("X-Actor", s.actor)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SaveResult{}, fmt.Errorf("save request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var payload struct {
			Details struct {
				CurrentToken string `json:"currentToken"`
			} `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return SaveResult{}, &ConflictError{CurrentToken: payload.Details.CurrentToken}
	}
	if resp.StatusCode != http.StatusOK {
		return SaveResult{}, fmt.Errorf("save failed with status %d", resp.StatusCode)
	}

	var result struct {
		Version int64  `json:"version"`
		Token   string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SaveResult{}, fmt.Errorf("decode save response: %w", err)
	}
	return SaveResult{Version: result.Version, Token: result.Token}, nil
}
