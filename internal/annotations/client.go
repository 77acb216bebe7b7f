package annotations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/libcrowds/analyst/internal/httputil"
)

// Client talks to a remote annotation collection service exposing a
// REST-style create/search/delete interface over annotation containers.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the annotation service rooted at base.
// A nil httpClient falls back to the standard client.
func NewClient(base string, httpClient httputil.HTTPClient) *Client {
	if httpClient == nil {
		httpClient = httputil.NewStandardClient(nil)
	}
	return &Client{base: base, http: httpClient}
}

// CollectionIRI returns the IRI of the annotation container for a project.
func (c *Client) CollectionIRI(projectID string) string {
	return fmt.Sprintf("%s/annotations/%s/", c.base, url.PathEscape(projectID))
}

// Create posts an annotation into the given collection and returns the
// annotation as stored by the service (with its server-assigned IRI).
func (c *Client) Create(ctx context.Context, collectionIRI string, ann *Annotation) (*Annotation, error) {
	payload, err := json.Marshal(ann)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, collectionIRI, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ld+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("annotation create request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("annotation create returned %d: %s", resp.StatusCode, body)
	}

	var stored Annotation
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode created annotation: %w", err)
	}
	return &stored, nil
}

// Search lists the annotations in a collection, optionally filtered by
// motivation. The service pages with a "page" query parameter; Search walks
// all pages.
func (c *Client) Search(ctx context.Context, collectionIRI, motivation string) ([]Annotation, error) {
	var out []Annotation
	for page := 0; ; page++ {
		u, err := url.Parse(collectionIRI)
		if err != nil {
			return nil, fmt.Errorf("invalid collection IRI %q: %w", collectionIRI, err)
		}
		q := u.Query()
		q.Set("page", fmt.Sprint(page))
		if motivation != "" {
			q.Set("motivation", motivation)
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("annotation search request failed: %w", err)
		}

		var body struct {
			Items []Annotation `json:"items"`
			Next  string       `json:"next,omitempty"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to decode annotation page: %w", err)
		}

		out = append(out, body.Items...)
		if body.Next == "" {
			return out, nil
		}
	}
}

// Delete removes a single annotation by IRI. Deleting an annotation that is
// already gone is not an error; the service answers 404 and we treat the
// outcome as achieved.
func (c *Client) Delete(ctx context.Context, annotationIRI string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, annotationIRI, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("annotation delete request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("annotation delete returned %d", resp.StatusCode)
	}
}
