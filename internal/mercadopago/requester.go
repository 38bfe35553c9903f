package mercadopago

import (
	"context"
	"net/http"
	"net/url"
)

// requester is handed to the SDK as its HTTP client. It points requests at the
// configured base URL and records the last status code for the caller.
type requester struct {
	http *http.Client
	base *url.URL
}

type statusKey struct{}

func withStatus(ctx context.Context) (context.Context, *int) {
	status := new(int)
	return context.WithValue(ctx, statusKey{}, status), status
}

func (r *requester) Do(req *http.Request) (*http.Response, error) {
	if r.base != nil && r.base.Host != "" {
		req = req.Clone(req.Context())
		req.URL.Scheme = r.base.Scheme
		req.URL.Host = r.base.Host
		req.Host = r.base.Host
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	if status, ok := req.Context().Value(statusKey{}).(*int); ok {
		*status = resp.StatusCode
	}
	return resp, nil
}
