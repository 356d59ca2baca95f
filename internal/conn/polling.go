package conn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/models"
)

// PollingTransport is the PollingFallback transport: long-polls the relay's
// /poll endpoint and posts outbound frames to /emit.
type PollingTransport struct {
	BaseURL    string
	Token      string
	Wait       time.Duration
	HTTPClient *http.Client
}

func NewPollingTransport(baseURL, token string) *PollingTransport {
	return &PollingTransport{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:      strings.TrimSpace(token),
		Wait:       25 * time.Second,
		HTTPClient: &http.Client{Timeout: 40 * time.Second},
	}
}

func (t *PollingTransport) Name() string { return "polling" }

func (t *PollingTransport) Dial(ctx context.Context, scope models.Scope) (Session, error) {
	sctx, cancel := context.WithCancel(context.Background())
	s := &pollSession{t: t, scope: scope, ctx: sctx, cancel: cancel}

	// A zero-wait poll establishes the cursor so history is not replayed.
	resp, err := s.poll(ctx, -1, 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	s.cursor = resp.Cursor
	return s, nil
}

type pollSession struct {
	t      *PollingTransport
	scope  models.Scope
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cursor  int64
	pending [][]byte
}

func (s *pollSession) Receive() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return frame, nil
		}
		cursor := s.cursor
		s.mu.Unlock()

		resp, err := s.poll(s.ctx, cursor, s.t.Wait)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, &CloseError{Err: ErrClosed}
			}
			return nil, err
		}

		s.mu.Lock()
		s.cursor = resp.Cursor
		for _, raw := range resp.Events {
			s.pending = append(s.pending, []byte(raw))
		}
		s.mu.Unlock()
	}
}

func (s *pollSession) poll(ctx context.Context, cursor int64, wait time.Duration) (models.PollResponse, error) {
	q := url.Values{}
	q.Add("channel", s.scope.TeamChannel())
	q.Add("channel", s.scope.CompanyChannel())
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	q.Set("wait", strconv.Itoa(int(wait/time.Millisecond)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.t.BaseURL+"/poll?"+q.Encode(), nil)
	if err != nil {
		return models.PollResponse{}, err
	}
	s.authorize(req)

	resp, err := s.t.client().Do(req)
	if err != nil {
		return models.PollResponse{}, &CloseError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return models.PollResponse{}, &CloseError{ServerInitiated: true, Code: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return models.PollResponse{}, &CloseError{Code: resp.StatusCode, Err: fmt.Errorf("poll: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var out models.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.PollResponse{}, &CloseError{Err: fmt.Errorf("decode poll response: %w", err)}
	}
	return out, nil
}

func (s *pollSession) Send(env models.Envelope) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	q := url.Values{}
	q.Set("teamId", s.scope.TeamID)
	q.Set("companyId", s.scope.CompanyID)

	ctx, cancel := context.WithTimeout(s.ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.t.BaseURL+"/emit?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("emit %s: http %d", env.Type, resp.StatusCode)
	}
	return nil
}

func (s *pollSession) Close() error {
	s.cancel()
	return nil
}

func (s *pollSession) authorize(req *http.Request) {
	if s.t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.t.Token)
	}
}

func (t *PollingTransport) client() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return http.DefaultClient
}
