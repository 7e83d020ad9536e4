package kubewatch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wapc/controller-host/kubewatch/encode"
	"github.com/wapc/controller-host/urlutil"
)

// streamClient opens and reads raw Kubernetes watch streams. It reads the
// chunked-transfer NDJSON body directly rather than going through
// client-go's watch.Interface, which would hide the resourceVersion and 410
// details the multiplexer needs to drive its own resync logic.
type streamClient struct {
	baseURL string
	client  *http.Client
}

func newStreamClient(baseURL string, rt http.RoundTripper) *streamClient {
	return &streamClient{
		baseURL: baseURL,
		// A watch connection is intentionally long-lived; the stream is
		// bounded by context cancellation, not a client-side timeout.
		client: &http.Client{Transport: rt},
	}
}

// open starts a watch HTTP GET for key and returns a scanner over its
// NDJSON body. The caller is responsible for closing the returned
// http.Response's body via the returned closer function.
func (c *streamClient) open(ctx context.Context, key Key) (*bufio.Scanner, func() error, error) {
	_, pathAndQuery := encode.ListWatchPath(key.Resource, key.Resource.Namespace, key.ListParams, key.ResourceVersion, true)
	url := urlutil.ComposeURL(c.baseURL, pathAndQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building watch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("opening watch stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		status := readStatus(resp)
		resp.Body.Close()
		return nil, nil, &apiError{code: resp.StatusCode, status: status}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner, resp.Body.Close, nil
}

func readStatus(resp *http.Response) statusObject {
	var s statusObject
	dec := json.NewDecoder(resp.Body)
	_ = dec.Decode(&s)
	if s.Code == 0 {
		s.Code = resp.StatusCode
	}
	return s
}

// apiError reports a non-200 response to opening a watch stream.
type apiError struct {
	code   int
	status statusObject
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kubewatch: watch open failed: %d %s", e.code, e.status.Message)
}
