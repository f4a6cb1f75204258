package render

import (
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// TruncationMarker is appended to a captured body cut at the size cap.
const TruncationMarker = "\n...[body truncated]"

const minCandidateBodySize = 500

// denyHosts filters analytics/consent/tracking noise out of the API
// candidate view.
var denyHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.com",
	"facebook.net",
	"hotjar.com",
	"segment.io",
	"segment.com",
	"onetrust.com",
	"cookielaw.org",
	"consensu.org",
	"demdex.net",
	"omtrdc.net",
	"adobedtm.com",
	"newrelic.com",
	"nr-data.net",
	"clarity.ms",
}

// RequestRecord is everything the observer captured about one network
// request during a session.
type RequestRecord struct {
	RequestID       string
	Method          string
	URL             string
	RequestHeaders  map[string]string
	RequestBody     string
	ResourceType    string
	StartedAt       time.Time

	Status          int
	ResponseHeaders map[string]string
	ContentType     string
	EncodedBodySize int64
	FromCache       bool

	Body      []byte
	Truncated bool
	Failed    bool
	ErrorText string
}

// Observer records all network activity on a page. Events for a single
// request-id arrive in protocol order (request, response, finished/failed);
// across request-ids no order is assumed.
type Observer struct {
	page        *rod.Page
	maxBodySize int64

	mu      sync.Mutex
	byID    map[string]*RequestRecord
	ordered []*RequestRecord

	done chan struct{}
}

func newObserver(page *rod.Page, maxBodySize int64) (*Observer, error) {
	if maxBodySize <= 0 {
		maxBodySize = 10 * 1024 * 1024
	}
	o := &Observer{
		page:        page,
		maxBodySize: maxBodySize,
		byID:        make(map[string]*RequestRecord),
		done:        make(chan struct{}),
	}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, err
	}

	go page.EachEvent(
		o.onRequest,
		o.onResponse,
		o.onFinished,
		o.onFailed,
	)()

	return o, nil
}

func (o *Observer) stop() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

func (o *Observer) stopped() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

func (o *Observer) onRequest(e *proto.NetworkRequestWillBeSent) {
	if o.stopped() {
		return
	}
	rec := &RequestRecord{
		RequestID:      string(e.RequestID),
		Method:         e.Request.Method,
		URL:            e.Request.URL,
		RequestHeaders: flattenHeaders(e.Request.Headers),
		ResourceType:   string(e.Type),
		StartedAt:      time.Now(),
	}
	if e.Request.PostData != "" {
		rec.RequestBody = e.Request.PostData
	}

	o.mu.Lock()
	o.byID[rec.RequestID] = rec
	o.ordered = append(o.ordered, rec)
	o.mu.Unlock()
}

func (o *Observer) onResponse(e *proto.NetworkResponseReceived) {
	o.mu.Lock()
	rec, ok := o.byID[string(e.RequestID)]
	if ok {
		rec.Status = e.Response.Status
		rec.ResponseHeaders = flattenHeaders(e.Response.Headers)
		rec.ContentType = strings.ToLower(e.Response.MIMEType)
		rec.FromCache = e.Response.FromDiskCache
	}
	o.mu.Unlock()
}

func (o *Observer) onFinished(e *proto.NetworkLoadingFinished) {
	o.mu.Lock()
	rec, ok := o.byID[string(e.RequestID)]
	if ok {
		rec.EncodedBodySize = int64(e.EncodedDataLength)
	}
	capture := ok && !o.stopped() && wantBody(rec)
	o.mu.Unlock()

	if !capture {
		return
	}

	// The browser discards buffers as navigations proceed; fetch eagerly,
	// inside the event goroutine so per-request ordering holds.
	body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(o.page)
	if err != nil {
		return
	}
	data := []byte(body.Body)

	o.mu.Lock()
	if int64(len(data)) > o.maxBodySize {
		data = append(data[:o.maxBodySize], []byte(TruncationMarker)...)
		rec.Truncated = true
	}
	rec.Body = data
	o.mu.Unlock()
}

func (o *Observer) onFailed(e *proto.NetworkLoadingFailed) {
	o.mu.Lock()
	if rec, ok := o.byID[string(e.RequestID)]; ok {
		rec.Failed = true
		rec.ErrorText = e.ErrorText
	}
	o.mu.Unlock()
}

// wantBody limits body capture to textual payloads worth inspecting.
func wantBody(rec *RequestRecord) bool {
	if rec.Status < 200 || rec.Status >= 300 {
		return false
	}
	ct := rec.ContentType
	return strings.Contains(ct, "json") || strings.Contains(ct, "html") ||
		strings.Contains(ct, "xml") || strings.Contains(ct, "text")
}

// Log returns the full chronological request log.
func (o *Observer) Log() []*RequestRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*RequestRecord, len(o.ordered))
	copy(out, o.ordered)
	return out
}

// APICandidates returns the filtered view: successful JSON responses with a
// body of at least 500 bytes, excluding deny-listed hosts.
func (o *Observer) APICandidates() []*RequestRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*RequestRecord
	for _, rec := range o.ordered {
		if rec.Status < 200 || rec.Status >= 300 || rec.Failed {
			continue
		}
		if !strings.Contains(rec.ContentType, "json") {
			continue
		}
		if len(rec.Body) < minCandidateBodySize {
			continue
		}
		if deniedHost(rec.URL) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func deniedHost(url string) bool {
	for _, h := range denyHosts {
		if strings.Contains(url, h) {
			return true
		}
	}
	return false
}

func flattenHeaders(h proto.NetworkHeaders) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}
