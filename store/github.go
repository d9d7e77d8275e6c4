package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

// GitHubStore persists blobs through the GitHub contents API, using the
// blob SHA as the compare-and-swap token. The entry collection lives as one
// JSON array at EntriesPath.
type GitHubStore struct {
	baseURL     string
	owner       string
	repo        string
	branch      string
	token       string
	entriesPath string
	http        *http.Client
}

func NewGitHubStore() (*GitHubStore, error) {
	owner := strings.TrimSpace(os.Getenv("GITHUB_OWNER"))
	repo := strings.TrimSpace(os.Getenv("GITHUB_REPO"))
	token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	if owner == "" || repo == "" || token == "" {
		return nil, errors.New("GITHUB_OWNER, GITHUB_REPO and GITHUB_TOKEN are required")
	}
	baseURL := strings.TrimSpace(os.Getenv("GITHUB_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	branch := strings.TrimSpace(os.Getenv("GITHUB_BRANCH"))
	if branch == "" {
		branch = "main"
	}
	entriesPath := strings.TrimSpace(os.Getenv("GITHUB_ENTRIES_PATH"))
	if entriesPath == "" {
		entriesPath = "data/entries.json"
	}
	return &GitHubStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		owner:       owner,
		repo:        repo,
		branch:      branch,
		token:       token,
		entriesPath: entriesPath,
		http:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *GitHubStore) contentsURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", s.baseURL, s.owner, s.repo, path)
}

type githubContent struct {
	Content string `json:"content"`
	Sha     string `json:"sha"`
}

func (s *GitHubStore) GetBlob(ctx context.Context, path string) ([]byte, Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.contentsURL(path)+"?ref="+s.branch, nil)
	if err != nil {
		return nil, "", err
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("github contents read %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed githubContent
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", err
	}
	// Content arrives base64 encoded with embedded newlines.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(parsed.Content, "\n", ""))
	if err != nil {
		return nil, "", err
	}
	return decoded, Version(parsed.Sha), nil
}

func (s *GitHubStore) PutBlob(ctx context.Context, path string, content []byte, expected Version) (Version, error) {
	payload := map[string]any{
		"message": "update " + path,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  s.branch,
	}
	if expected != "" {
		payload["sha"] = string(expected)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.contentsURL(path), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	// GitHub answers 409 when the provided sha no longer matches the branch
	// head; a 422 covers a create racing an existing file.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return "", ErrVersionConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("github contents write %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed struct {
		Content githubContent `json:"content"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	return Version(parsed.Content.Sha), nil
}

func (s *GitHubStore) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

func (s *GitHubStore) Read(ctx context.Context) ([]models.Entry, Version, error) {
	blob, version, err := s.GetBlob(ctx, s.entriesPath)
	if err != nil {
		return nil, "", err
	}
	if blob == nil {
		return []models.Entry{}, "", nil
	}
	var entries []models.Entry
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, "", fmt.Errorf("entry blob is not a JSON array: %w", err)
	}
	return entries, version, nil
}

func (s *GitHubStore) Write(ctx context.Context, entries []models.Entry, expected Version) (Version, error) {
	if entries == nil {
		entries = []models.Entry{}
	}
	blob, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return s.PutBlob(ctx, s.entriesPath, blob, expected)
}
