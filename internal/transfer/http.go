package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dmitrijs2005/chatmigrate/internal/link"
)

// HTTPSource streams archives over plain HTTP: simplex links go through the
// configured relay endpoint, xftp links carry their own host.
type HTTPSource struct {
	// RelayEndpoint is the base URL serving simplex file links.
	RelayEndpoint string
	// Client defaults to http.DefaultClient. No overall timeout is set:
	// large archives take arbitrarily long, cancellation comes from ctx.
	Client *http.Client
}

func (s *HTTPSource) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) fileURL(lnk *link.Link) (string, error) {
	switch lnk.Scheme {
	case link.SchemeSimplex:
		return s.RelayEndpoint + "/file/" + url.PathEscape(lnk.Address), nil
	case link.SchemeXFTP:
		return "https://" + lnk.Address, nil
	default:
		return "", fmt.Errorf("http source cannot serve scheme %q", lnk.Scheme)
	}
}

// Fetch issues a GET and returns the body stream plus the expected size
// (0 when the server sends no Content-Length).
func (s *HTTPSource) Fetch(ctx context.Context, lnk *link.Link) (io.ReadCloser, int64, error) {
	u, err := s.fileURL(lnk)
	if err != nil {
		return nil, 0, err
	}
	return fetchURL(ctx, s.httpClient(), u)
}

func fetchURL(ctx context.Context, client *http.Client, u string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("download failed: %s; body: %s", resp.Status, string(b))
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0 // unknown
	}
	return resp.Body, total, nil
}
