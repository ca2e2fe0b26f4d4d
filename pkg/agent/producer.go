package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is one completion turn handed to the model backend.
type Request struct {
	ConversationID string          `json:"conversation_id"`
	Input          string          `json:"input"`
	State          json.RawMessage `json:"state,omitempty"`
}

// Chunk is one streamed unit of model output. Final marks the last chunk;
// only final chunks may carry updated agent state.
type Chunk struct {
	Text  string          `json:"text,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
	Final bool            `json:"final,omitempty"`
}

// Producer streams model output for one request. Stream calls emit once per
// chunk in order; an emit error aborts the stream and is returned as-is.
type Producer interface {
	Stream(ctx context.Context, req Request, emit func(Chunk) error) error
}

// HTTPProducer streams completions from an HTTP backend that responds with
// newline-delimited JSON chunks.
type HTTPProducer struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPProducer(url, token string, client *http.Client) *HTTPProducer {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPProducer{URL: url, Token: token, Client: client}
}

func (p *HTTPProducer) Stream(ctx context.Context, req Request, emit func(Chunk) error) error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("completion url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if p.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("completion backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sawFinal := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("undecodable chunk: %w", err)
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if chunk.Final {
			sawFinal = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !sawFinal {
		return fmt.Errorf("stream ended without final chunk")
	}
	return nil
}

// ScriptedProducer replays a fixed chunk sequence. Test double.
type ScriptedProducer struct {
	Chunks []Chunk
	Err    error
	// FailFirst makes the first N calls fail before the script plays.
	FailFirst int

	Calls int
}

func (s *ScriptedProducer) Stream(ctx context.Context, req Request, emit func(Chunk) error) error {
	s.Calls++
	if s.Calls <= s.FailFirst {
		return fmt.Errorf("scripted transient failure %d", s.Calls)
	}
	if s.Err != nil {
		return s.Err
	}
	for _, chunk := range s.Chunks {
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}
