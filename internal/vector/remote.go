package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sina-abbasi/ragline/config"
)

// RemoteStore talks to an external vector database over its HTTP API. The API
// is form-encoded with an action verb per call and answers JSON envelopes with
// a status field.
type RemoteStore struct {
	apiURL    string
	token     string
	namespace string
	client    *http.Client
	logger    *log.Logger
}

func NewRemoteStore(cfg config.VectorConfig, logger *log.Logger) *RemoteStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteStore{
		apiURL:    cfg.RemoteURL,
		token:     cfg.RemoteToken,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type remoteEnvelope struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Error    string   `json:"error"`
	VectorID string   `json:"vector_id"`
	Results  []Result `json:"results"`
}

// Upsert stores one section; the remote service embeds the text and returns
// the vector id it stored it under.
func (s *RemoteStore) Upsert(ctx context.Context, sec Section) (string, error) {
	if strings.TrimSpace(sec.Text) == "" {
		return "", fmt.Errorf("section text must not be empty")
	}
	meta := sec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	form := url.Values{
		"action":   {"storeDocument"},
		"title":    {sec.Title},
		"text":     {sec.Text},
		"metadata": {string(metaBytes)},
	}
	env, err := s.call(ctx, form)
	if err != nil {
		return "", err
	}
	if env.VectorID == "" {
		return "", fmt.Errorf("vector API returned no vector_id")
	}
	return env.VectorID, nil
}

// Delete removes one vector. The remote API treats unknown ids as success.
func (s *RemoteStore) Delete(ctx context.Context, vectorID string) error {
	form := url.Values{
		"action":    {"deleteDocument"},
		"vector_id": {vectorID},
	}
	_, err := s.call(ctx, form)
	return err
}

// Query runs a similarity search against the remote store.
func (s *RemoteStore) Query(ctx context.Context, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	form := url.Values{
		"action": {"queryDocuments"},
		"query":  {query},
		"top_k":  {strconv.Itoa(topK)},
	}
	env, err := s.call(ctx, form)
	if err != nil {
		return nil, err
	}
	return env.Results, nil
}

func (s *RemoteStore) call(ctx context.Context, form url.Values) (*remoteEnvelope, error) {
	form.Set("format", "json")
	if s.token != "" {
		form.Set("token", s.token)
	}
	if s.namespace != "" {
		form.Set("namespace", s.namespace)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vector API read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vector API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var env remoteEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("vector API decode response: %w", err)
	}
	if env.Status != "success" {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "unknown API error"
		}
		return nil, fmt.Errorf("vector API error: %s", msg)
	}
	return &env, nil
}
