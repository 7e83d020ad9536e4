// Package wire implements the rust-v1alpha1 guest ABI's compact binary wire
// format: encode/decode for HttpRequest, HttpResponse, WatchRequest and the
// ErrorEnvelope used to report kube-rs style ErrorResponse values.
//
// The format is deliberately not self-describing JSON: every field is
// length-prefixed binary, mirroring the raw-bytes boundary the ABI already
// crosses for bodies. A guest and host built against the same ABI version
// agree on field order; there is no schema negotiation.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrDecode reports a malformed ABI payload. Callers should trap the
// offending call.
var ErrDecode = errors.New("wire: malformed payload")

type (
	// HttpRequest is the guest-ABI schema for http-proxy-abi.request's
	// argument.
	HttpRequest struct {
		Method  string
		URI     string
		Headers map[string][]string
		Body    []byte
	}

	// HttpResponse is the guest-ABI schema for the result delivered back to
	// a guest's on_event for a Future HTTP request.
	HttpResponse struct {
		StatusCode uint16
		Headers    map[string][]string
		Body       []byte
	}

	// ResourceRef names a Kubernetes resource type and optional namespace.
	ResourceRef struct {
		APIVersion string
		Group      string
		Kind       string
		Version    string
		Namespace  string // empty means cluster-scoped / all namespaces
	}

	// ListParams mirrors kube-rs's ListParams (field/label selectors,
	// timeout, bookmarks, limit, continue token). Zero values mean "unset".
	ListParams struct {
		FieldSelector  string
		LabelSelector  string
		TimeoutSeconds uint32
		AllowBookmarks bool
		Limit          int64
		Continue       string
	}

	// WatchRequest is the guest-ABI schema for kube-watch-abi.watch's
	// argument.
	WatchRequest struct {
		Resource        ResourceRef
		ListParams      ListParams
		ResourceVersion string
	}

	// ErrorEnvelope is a structured error, used both for synthetic 5xx
	// HttpResponse bodies on transport failure and for the 410 Gone forwarded
	// to watch subscribers. Field names follow kube-rs's ErrorResponse.
	ErrorEnvelope struct {
		Status  string
		Message string
		Reason  string
		Code    uint16
	}

	// WatchEventKind tags one item of a watch stream delivered to a guest's
	// on_event. Added/Modified/Deleted/Bookmark mirror the Kubernetes watch
	// verbs; Error carries an ErrorEnvelope instead of an Object (the 410
	// Gone forwarded to subscribers before the multiplexer resyncs).
	WatchEventKind uint8
)

const (
	WatchEventAdded WatchEventKind = iota
	WatchEventModified
	WatchEventDeleted
	WatchEventBookmark
	WatchEventError
)

// WatchStreamEvent is the guest-ABI schema for one item delivered to
// kube-watch-abi's on_event. Object carries the raw Kubernetes object JSON
// for Added/Modified/Deleted/Bookmark; Err carries the structured failure
// for Error and Object is empty.
type WatchStreamEvent struct {
	Kind   WatchEventKind
	Object []byte
	Err    *ErrorEnvelope
}

// EncodeWatchEvent and DecodeWatchEvent are exact inverses of each other.
func EncodeWatchEvent(ev WatchStreamEvent) []byte {
	w := &writer{}
	w.buf = append(w.buf, byte(ev.Kind))
	if ev.Kind == WatchEventError {
		var e ErrorEnvelope
		if ev.Err != nil {
			e = *ev.Err
		}
		w.putString(e.Status)
		w.putString(e.Message)
		w.putString(e.Reason)
		w.putUint16(e.Code)
		return w.buf
	}
	w.putBytes(ev.Object)
	return w.buf
}

func DecodeWatchEvent(b []byte) (WatchStreamEvent, error) {
	r := &reader{buf: b}
	var ev WatchStreamEvent
	if r.remaining() < 1 {
		return ev, fmt.Errorf("%w: kind", ErrDecode)
	}
	ev.Kind = WatchEventKind(r.buf[r.pos])
	r.pos++
	if ev.Kind == WatchEventError {
		var e ErrorEnvelope
		var err error
		if e.Status, err = r.takeString(); err != nil {
			return ev, fmt.Errorf("%w: err.status: %v", ErrDecode, err)
		}
		if e.Message, err = r.takeString(); err != nil {
			return ev, fmt.Errorf("%w: err.message: %v", ErrDecode, err)
		}
		if e.Reason, err = r.takeString(); err != nil {
			return ev, fmt.Errorf("%w: err.reason: %v", ErrDecode, err)
		}
		if e.Code, err = r.takeUint16(); err != nil {
			return ev, fmt.Errorf("%w: err.code: %v", ErrDecode, err)
		}
		ev.Err = &e
		return ev, nil
	}
	obj, err := r.takeBytes()
	if err != nil {
		return ev, fmt.Errorf("%w: object: %v", ErrDecode, err)
	}
	ev.Object = obj
	return ev, nil
}

// --- primitive writer/reader -------------------------------------------------

type writer struct {
	buf []byte
}

func (w *writer) putUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) putBytes(v []byte) {
	w.putUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *writer) putString(v string) {
	w.putBytes([]byte(v))
}

func (w *writer) putHeaders(h map[string][]string) {
	w.putUint32(uint32(len(h)))
	for k, vs := range h {
		w.putString(k)
		w.putUint32(uint32(len(vs)))
		for _, v := range vs {
			w.putBytes([]byte(v))
		}
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) takeUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrDecode
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) takeUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrDecode
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) takeUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrDecode
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) takeBool() (bool, error) {
	if r.remaining() < 1 {
		return false, ErrDecode
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *reader) takeBytes() ([]byte, error) {
	n, err := r.takeUint32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, ErrDecode
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *reader) takeString() (string, error) {
	b, err := r.takeBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) takeHeaders() (map[string][]string, error) {
	n, err := r.takeUint32()
	if err != nil {
		return nil, err
	}
	h := make(map[string][]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.takeString()
		if err != nil {
			return nil, err
		}
		vn, err := r.takeUint32()
		if err != nil {
			return nil, err
		}
		vs := make([]string, vn)
		for j := uint32(0); j < vn; j++ {
			vb, err := r.takeBytes()
			if err != nil {
				return nil, err
			}
			vs[j] = string(vb)
		}
		h[k] = vs
	}
	return h, nil
}

// --- HttpRequest --------------------------------------------------------

// EncodeHttpRequest and DecodeHttpRequest are exact inverses: decoding the
// result always yields a value equal to req.
func EncodeHttpRequest(req HttpRequest) []byte {
	w := &writer{}
	w.putString(req.Method)
	w.putString(req.URI)
	w.putHeaders(req.Headers)
	w.putBytes(req.Body)
	return w.buf
}

func DecodeHttpRequest(b []byte) (HttpRequest, error) {
	r := &reader{buf: b}
	var req HttpRequest
	var err error
	if req.Method, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: method: %v", ErrDecode, err)
	}
	if req.URI, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: uri: %v", ErrDecode, err)
	}
	if req.Headers, err = r.takeHeaders(); err != nil {
		return req, fmt.Errorf("%w: headers: %v", ErrDecode, err)
	}
	if req.Body, err = r.takeBytes(); err != nil {
		return req, fmt.Errorf("%w: body: %v", ErrDecode, err)
	}
	return req, nil
}

// --- HttpResponse -------------------------------------------------------

func EncodeHttpResponse(resp HttpResponse) []byte {
	w := &writer{}
	w.putUint16(resp.StatusCode)
	w.putHeaders(resp.Headers)
	w.putBytes(resp.Body)
	return w.buf
}

func DecodeHttpResponse(b []byte) (HttpResponse, error) {
	r := &reader{buf: b}
	var resp HttpResponse
	var err error
	if resp.StatusCode, err = r.takeUint16(); err != nil {
		return resp, fmt.Errorf("%w: status_code: %v", ErrDecode, err)
	}
	if resp.Headers, err = r.takeHeaders(); err != nil {
		return resp, fmt.Errorf("%w: headers: %v", ErrDecode, err)
	}
	if resp.Body, err = r.takeBytes(); err != nil {
		return resp, fmt.Errorf("%w: body: %v", ErrDecode, err)
	}
	return resp, nil
}

// --- WatchRequest ---------------------------------------------------------

func EncodeWatchRequest(req WatchRequest) []byte {
	w := &writer{}
	w.putString(req.Resource.APIVersion)
	w.putString(req.Resource.Group)
	w.putString(req.Resource.Kind)
	w.putString(req.Resource.Version)
	w.putString(req.Resource.Namespace)
	w.putString(req.ListParams.FieldSelector)
	w.putString(req.ListParams.LabelSelector)
	w.putUint32(req.ListParams.TimeoutSeconds)
	w.putBool(req.ListParams.AllowBookmarks)
	w.putUint64(uint64(req.ListParams.Limit))
	w.putString(req.ListParams.Continue)
	w.putString(req.ResourceVersion)
	return w.buf
}

func DecodeWatchRequest(b []byte) (WatchRequest, error) {
	r := &reader{buf: b}
	var req WatchRequest
	var err error
	if req.Resource.APIVersion, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource.api_version: %v", ErrDecode, err)
	}
	if req.Resource.Group, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource.group: %v", ErrDecode, err)
	}
	if req.Resource.Kind, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource.kind: %v", ErrDecode, err)
	}
	if req.Resource.Version, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource.version: %v", ErrDecode, err)
	}
	if req.Resource.Namespace, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource.namespace: %v", ErrDecode, err)
	}
	if req.ListParams.FieldSelector, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: list_params.field_selector: %v", ErrDecode, err)
	}
	if req.ListParams.LabelSelector, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: list_params.label_selector: %v", ErrDecode, err)
	}
	if req.ListParams.TimeoutSeconds, err = r.takeUint32(); err != nil {
		return req, fmt.Errorf("%w: list_params.timeout: %v", ErrDecode, err)
	}
	if req.ListParams.AllowBookmarks, err = r.takeBool(); err != nil {
		return req, fmt.Errorf("%w: list_params.allow_bookmarks: %v", ErrDecode, err)
	}
	limit, err := r.takeUint64()
	if err != nil {
		return req, fmt.Errorf("%w: list_params.limit: %v", ErrDecode, err)
	}
	req.ListParams.Limit = int64(limit)
	if req.ListParams.Continue, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: list_params.continue_token: %v", ErrDecode, err)
	}
	if req.ResourceVersion, err = r.takeString(); err != nil {
		return req, fmt.Errorf("%w: resource_version: %v", ErrDecode, err)
	}
	return req, nil
}

// --- ErrorEnvelope ----------------------------------------------------------

func EncodeErrorEnvelope(e ErrorEnvelope) []byte {
	w := &writer{}
	w.putString(e.Status)
	w.putString(e.Message)
	w.putString(e.Reason)
	w.putUint16(e.Code)
	return w.buf
}

func DecodeErrorEnvelope(b []byte) (ErrorEnvelope, error) {
	r := &reader{buf: b}
	var e ErrorEnvelope
	var err error
	if e.Status, err = r.takeString(); err != nil {
		return e, fmt.Errorf("%w: status: %v", ErrDecode, err)
	}
	if e.Message, err = r.takeString(); err != nil {
		return e, fmt.Errorf("%w: message: %v", ErrDecode, err)
	}
	if e.Reason, err = r.takeString(); err != nil {
		return e, fmt.Errorf("%w: reason: %v", ErrDecode, err)
	}
	if e.Code, err = r.takeUint16(); err != nil {
		return e, fmt.Errorf("%w: code: %v", ErrDecode, err)
	}
	return e, nil
}
