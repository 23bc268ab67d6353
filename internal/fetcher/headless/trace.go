package headless

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// renderTrace collects network events for one tab. The first document
// response is the page itself; every other request is a subresource.
type renderTrace struct {
	mu        sync.Mutex
	main      *documentResponse
	resources map[network.RequestID]string
	plainHTTP int
	failed    int
	bytes     float64
}

type documentResponse struct {
	status  int
	headers http.Header
	url     string
}

func newRenderTrace() *renderTrace {
	return &renderTrace{resources: map[network.RequestID]string{}}
}

// observe is registered with chromedp.ListenTarget.
func (t *renderTrace) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type == network.ResourceTypeDocument || e.Request == nil {
			return
		}
		if _, seen := t.resources[e.RequestID]; !seen && strings.HasPrefix(strings.ToLower(e.Request.URL), "http://") {
			t.plainHTTP++
		}
		t.resources[e.RequestID] = e.Request.URL
	case *network.EventResponseReceived:
		if e.Type == network.ResourceTypeDocument && e.Response != nil && t.main == nil {
			t.main = &documentResponse{
				status:  int(e.Response.Status),
				headers: responseHeaders(e.Response.Headers),
				url:     e.Response.URL,
			}
		}
	case *network.EventLoadingFinished:
		if _, ok := t.resources[e.RequestID]; ok {
			t.bytes += e.EncodedDataLength
		}
	case *network.EventLoadingFailed:
		if _, ok := t.resources[e.RequestID]; ok && !e.Canceled {
			t.failed++
		}
	}
}

// document returns the main response, falling back to the browser location
// and then the requested URL when Chrome reported no document response.
func (t *renderTrace) document(requestURL, location string) documentResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := documentResponse{status: http.StatusOK, headers: http.Header{}}
	if t.main != nil {
		doc = *t.main
		doc.headers = doc.headers.Clone()
	}
	if doc.status == 0 {
		doc.status = http.StatusOK
	}
	switch {
	case doc.url != "":
	case location != "":
		doc.url = location
	default:
		doc.url = requestURL
	}
	return doc
}

// stats summarizes subresource traffic. Plain HTTP loads only count as
// insecure when the document itself arrived over HTTPS.
func (t *renderTrace) stats() analysis.RenderStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := analysis.RenderStats{
		Requests:      len(t.resources),
		Failed:        t.failed,
		TransferBytes: int64(t.bytes),
	}
	if t.main != nil && strings.HasPrefix(strings.ToLower(t.main.url), "https://") {
		out.InsecureLoads = t.plainHTTP
	}
	return out
}

func responseHeaders(src network.Headers) http.Header {
	out := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			// Chrome joins repeated headers with newlines.
			for _, line := range strings.Split(v, "\n") {
				out.Add(key, line)
			}
		case []string:
			for _, entry := range v {
				out.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
