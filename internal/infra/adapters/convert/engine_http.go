package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"score-conversion-service/internal/config"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/adapter"
)

var _ adapter.ScoreConverter = (*EngineConverter)(nil)

// EngineConverter drives the external recognition engine over HTTP: it
// submits the document, polls the engine job until it settles and downloads
// the finished playback score. Every poll is a checkpoint, so the worst-case
// cancellation latency is one poll interval.
type EngineConverter struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	http         *http.Client
}

func NewEngineConverter(cfg config.EngineConfig) *EngineConverter {
	return &EngineConverter{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

type engineJob struct {
	ID       string `json:"id"`
	State    string `json:"state"` // running | done | error
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
}

func (c *EngineConverter) Convert(ctx context.Context, spec model.JobSpec, report adapter.ProgressFunc) (adapter.Artifact, error) {
	body, _ := json.Marshal(map[string]string{
		"documentRef": spec.DocumentRef,
		"filename":    spec.Filename,
		"title":       spec.Title,
		"composer":    spec.Composer,
	})
	var created engineJob
	if err := c.do(ctx, http.MethodPost, "/v1/conversions", bytes.NewReader(body), &created); err != nil {
		return adapter.Artifact{}, fmt.Errorf("engine submit: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return adapter.Artifact{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		var st engineJob
		if err := c.do(ctx, http.MethodGet, "/v1/conversions/"+created.ID, nil, &st); err != nil {
			return adapter.Artifact{}, fmt.Errorf("engine poll: %w", err)
		}
		if st.State == "error" {
			return adapter.Artifact{}, fmt.Errorf("engine: %s", st.Error)
		}
		if err := report(st.Progress, st.Stage); err != nil {
			// Best-effort engine-side abort; the caller's signal wins.
			_ = c.do(context.WithoutCancel(ctx), http.MethodPost, "/v1/conversions/"+created.ID+"/cancel", nil, nil)
			return adapter.Artifact{}, err
		}
		if st.State == "done" {
			return c.fetchArtifact(ctx, created.ID)
		}
	}
}

func (c *EngineConverter) fetchArtifact(ctx context.Context, id string) (adapter.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/conversions/"+id+"/artifact", nil)
	if err != nil {
		return adapter.Artifact{}, err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.Artifact{}, fmt.Errorf("engine artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adapter.Artifact{}, fmt.Errorf("engine artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.Artifact{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	return adapter.Artifact{ContentType: ct, Data: data}, nil
}

func (c *EngineConverter) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *EngineConverter) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
