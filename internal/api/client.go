package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/valyala/fasthttp"

	"github.com/noah-isme/gema-sync/internal/dto"
	"github.com/noah-isme/gema-sync/internal/service"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	messageListSchema = "schemas/message_list.schema.json"
	commentListSchema = "schemas/comment_list.schema.json"

	actorHeader       = "X-Actor-ID"
	actorNameHeader   = "X-Actor-Name"
	correlationHeader = "X-Correlation-ID"
)

// Client is the request side of the sync core, speaking the REST contract of
// the development backend over fasthttp. It satisfies service.MessageAPI and
// service.CommentAPI.
type Client struct {
	baseURL  string
	actorID  string
	name     string
	timeout  time.Duration
	http     *fasthttp.Client
	messages *jsonschema.Schema
	comments *jsonschema.Schema
	logger   zerolog.Logger
}

// NewClient builds a client for baseURL acting as actorID.
func NewClient(baseURL, actorID string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	messages, err := compileSchema(compiler, messageListSchema)
	if err != nil {
		return nil, err
	}
	comments, err := compileSchema(compiler, commentListSchema)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: baseURL,
		actorID: actorID,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "gema-sync",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		messages: messages,
		comments: comments,
		logger:   logger.With().Str("component", "api_client").Logger(),
	}, nil
}

func compileSchema(compiler *jsonschema.Compiler, name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	resource := "mem://" + name
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// SetActorName sets the display name sent with comment submissions.
func (c *Client) SetActorName(name string) {
	c.name = strings.TrimSpace(name)
}

// ListMessages fetches the conversation's message list.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]dto.MessageRecord, error) {
	data, err := c.do(ctx, fasthttp.MethodGet, "/api/v2/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var records []dto.MessageRecord
	if err := c.decodeList(data, c.messages, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateMessage persists a message and returns its durable id.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, payload dto.CreateMessageRequest) (dto.CreateResponse, error) {
	data, err := c.do(ctx, fasthttp.MethodPost, "/api/v2/conversations/"+url.PathEscape(conversationID)+"/messages", payload)
	if err != nil {
		return dto.CreateResponse{}, err
	}
	return decodeCreate(data)
}

// ListComments fetches the post's flat comment list.
func (c *Client) ListComments(ctx context.Context, postID string) ([]dto.CommentRecord, error) {
	data, err := c.do(ctx, fasthttp.MethodGet, "/api/v2/posts/"+url.PathEscape(postID)+"/comments", nil)
	if err != nil {
		return nil, err
	}
	var records []dto.CommentRecord
	if err := c.decodeList(data, c.comments, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateComment persists a comment or reply and returns its durable id.
func (c *Client) CreateComment(ctx context.Context, postID string, payload dto.CreateCommentRequest) (dto.CreateResponse, error) {
	data, err := c.do(ctx, fasthttp.MethodPost, "/api/v2/posts/"+url.PathEscape(postID)+"/comments", payload)
	if err != nil {
		return dto.CreateResponse{}, err
	}
	return decodeCreate(data)
}

// Like marks the comment as liked by the acting user. Repeating it is harmless.
func (c *Client) Like(ctx context.Context, commentID string) (dto.LikeResponse, error) {
	return c.like(ctx, fasthttp.MethodPost, commentID)
}

// Unlike removes the acting user's like. Repeating it is harmless.
func (c *Client) Unlike(ctx context.Context, commentID string) (dto.LikeResponse, error) {
	return c.like(ctx, fasthttp.MethodDelete, commentID)
}

func (c *Client) like(ctx context.Context, method, commentID string) (dto.LikeResponse, error) {
	data, err := c.do(ctx, method, "/api/v2/comments/"+url.PathEscape(commentID)+"/like", nil)
	if err != nil {
		return dto.LikeResponse{}, err
	}
	var resp dto.LikeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return dto.LikeResponse{}, fmt.Errorf("%w: decode like response: %v", service.ErrMalformedResponse, err)
	}
	return resp, nil
}

// do sends one request and unwraps the response envelope. Failures are
// classified onto the service error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrTransientNetwork, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.actorID != "" {
		req.Header.Set(actorHeader, c.actorID)
	}
	if c.name != "" {
		req.Header.Set(actorNameHeader, c.name)
	}
	if correlationID, ok := ctx.Value(correlationKey{}).(string); ok && correlationID != "" {
		req.Header.Set(correlationHeader, correlationID)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(raw)
	}

	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.DoTimeout(req, resp, c.timeout)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, fmt.Errorf("%w: %s %s: %v", service.ErrTransientNetwork, method, path, err)
	}

	status := resp.StatusCode()
	payload := append([]byte(nil), resp.Body()...)

	var envelope dto.ResponseEnvelope
	decodeErr := json.Unmarshal(payload, &envelope)

	switch {
	case status >= fasthttp.StatusInternalServerError, status == fasthttp.StatusTooManyRequests, status == fasthttp.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: %s %s returned %d", service.ErrTransientNetwork, method, path, status)
	case status >= fasthttp.StatusBadRequest:
		message := envelope.Message
		if decodeErr != nil || message == "" {
			message = fasthttp.StatusMessage(status)
		}
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", service.ErrRejected, method, path, status, message)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", service.ErrMalformedResponse, decodeErr)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("%w: %s", service.ErrRejected, envelope.Message)
	}
	return envelope.Data, nil
}

func (c *Client) decodeList(data json.RawMessage, schema *jsonschema.Schema, out any) error {
	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("%w: decode list: %v", service.ErrMalformedResponse, err)
	}
	if err := schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", service.ErrMalformedResponse, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode list: %v", service.ErrMalformedResponse, err)
	}
	return nil
}

func decodeCreate(data json.RawMessage) (dto.CreateResponse, error) {
	var resp dto.CreateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return dto.CreateResponse{}, fmt.Errorf("%w: decode create response: %v", service.ErrMalformedResponse, err)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return dto.CreateResponse{}, fmt.Errorf("%w: create response without id", service.ErrMalformedResponse)
	}
	return resp, nil
}

type correlationKey struct{}

// WithCorrelationID tags outgoing requests made with ctx.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}
