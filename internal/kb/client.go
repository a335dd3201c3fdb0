package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
)

// KnowledgeBase is the metadata the chat surfaces need about a knowledge base.
type KnowledgeBase struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	DocumentCount  int       `json:"document_count"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// envelope is the backend's response wrapper for single-resource reads.
type envelope struct {
	Data    *KnowledgeBase `json:"data"`
	Message string         `json:"message"`
}

// Opener opens backend requests. *relay.Client implements it.
type Opener interface {
	Open(ctx context.Context, req *relay.Request) (*relay.Response, error)
}

// Client reads knowledge-base metadata from the backend.
type Client struct {
	opener Opener
}

func NewClient(opener Opener) *Client {
	return &Client{opener: opener}
}

// Get fetches one knowledge base. A 404 maps to ErrKnowledgeBaseNotFound.
func (c *Client) Get(ctx context.Context, id string) (*KnowledgeBase, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", apierrors.ErrKnowledgeBaseNotFound)
	}
	resp, err := c.opener.Open(ctx, &relay.Request{
		Method: http.MethodGet,
		Path:   "/api/knowledge-bases/" + url.PathEscape(id),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrKnowledgeBaseNotFound, id)
	}
	if !resp.OK() {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &apierrors.UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: knowledge base %s: %v", apierrors.ErrDecode, id, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrKnowledgeBaseNotFound, id)
	}
	if env.Data.ID == "" {
		env.Data.ID = id
	}
	return env.Data, nil
}
