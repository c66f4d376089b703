// Package facebook publishes posts to a Facebook page via the Graph API.
package facebook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/fulfillment"
	logx "postpilot/pkg/logx"
)

const (
	DefaultGraphVersion = "v21.0"
	DefaultBaseURL      = "https://graph.facebook.com"
	postURLBase         = "https://www.facebook.com/"
)

type Config struct {
	GraphVersion string
	BaseURL      string
	Timeout      time.Duration
	// RatePerSec limits Graph calls across all pages. <= 0 means 5.
	RatePerSec int
}

type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = DefaultGraphVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.GraphVersion,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:      log,
	}
}

// GraphError is an error body from the Graph API. Its message is kept as
// Facebook wrote it.
type GraphError struct {
	Status  int
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *GraphError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("graph api: http %d", e.Status)
}

type graphReply struct {
	ID     string      `json:"id"`
	PostID string      `json:"post_id"`
	Error  *GraphError `json:"error"`
}

// Publish posts the caption with the local image if there is one, else the
// image URL, else as a text-only feed post.
func (c *Client) Publish(ctx context.Context, req fulfillment.PublishRequest) (fulfillment.Publication, error) {
	if req.PageID == "" || req.PageToken == "" {
		return fulfillment.Publication{}, fmt.Errorf("facebook: page id and token required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fulfillment.Publication{}, err
	}

	var (
		httpReq *http.Request
		err     error
	)
	switch {
	case req.ImagePath != "":
		httpReq, err = c.photoUpload(ctx, req)
	case req.ImageURL != "":
		form := url.Values{"url": {req.ImageURL}, "message": {req.Caption}, "access_token": {req.PageToken}}
		httpReq, err = c.formRequest(ctx, req.PageID+"/photos", form)
	default:
		form := url.Values{"message": {req.Caption}, "access_token": {req.PageToken}}
		httpReq, err = c.formRequest(ctx, req.PageID+"/feed", form)
	}
	if err != nil {
		return fulfillment.Publication{}, err
	}

	reply, err := c.do(httpReq)
	if err != nil {
		return fulfillment.Publication{}, err
	}
	// Photo uploads return the photo id as id and the feed post as post_id.
	id := reply.PostID
	if id == "" {
		id = reply.ID
	}
	if id == "" {
		return fulfillment.Publication{}, fmt.Errorf("facebook: response carried no post id")
	}
	pub := fulfillment.Publication{ExternalID: id, URL: PostURL(req.PageID, id)}
	c.log.Info("facebook post published", logx.String("page", req.PageID), logx.String("post_id", id))
	return pub, nil
}

// PostURL builds the public link. Ids of the form page_post already carry
// the page.
func PostURL(pageID, postID string) string {
	if page, post, ok := strings.Cut(postID, "_"); ok {
		return postURLBase + page + "/posts/" + post
	}
	return postURLBase + pageID + "/posts/" + postID
}

func (c *Client) photoUpload(ctx context.Context, req fulfillment.PublishRequest) (*http.Request, error) {
	f, err := os.Open(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("facebook: open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("message", req.Caption)
	_ = w.WriteField("access_token", req.PageToken)
	part, err := w.CreateFormFile("source", filepath.Base(req.ImagePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("facebook: read image: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+req.PageID+"/photos", &body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r, nil
}

func (c *Client) formRequest(ctx context.Context, path string, form url.Values) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r, nil
}

func (c *Client) do(r *http.Request) (graphReply, error) {
	resp, err := c.http.Do(r)
	if err != nil {
		return graphReply{}, fmt.Errorf("facebook: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return graphReply{}, fmt.Errorf("facebook: read response: %w", err)
	}
	var reply graphReply
	decodeErr := json.Unmarshal(raw, &reply)
	if reply.Error != nil {
		reply.Error.Status = resp.StatusCode
		return graphReply{}, reply.Error
	}
	if resp.StatusCode/100 != 2 {
		return graphReply{}, &GraphError{Status: resp.StatusCode}
	}
	if decodeErr != nil {
		return graphReply{}, fmt.Errorf("facebook: decode response: %w", decodeErr)
	}
	return reply, nil
}
