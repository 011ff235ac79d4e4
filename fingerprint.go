package crawlqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request is the crawl request a work item is built from.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

// FingerprintOptions selects which request headers take part in the fingerprint.
// Header names are matched case-insensitively. Cookies always take part.
type FingerprintOptions struct {
	IncludeHeaders []string
}

// RequestFingerprint returns the content hash identifying req.
// It is insensitive to header and cookie ordering and to header-name case,
// and sensitive to their values.
func RequestFingerprint(req *Request, opts FingerprintOptions) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	canonical, err := CanonicalURL(req.URL)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	writeField(strings.ToUpper(strings.TrimSpace(defaultString(req.Method, "GET"))))
	writeField(canonical)
	writeField(string(req.Body))

	if len(opts.IncludeHeaders) > 0 {
		// names differing only in case merge; their values are hashed sorted
		headers := make(map[string][]string, len(req.Headers))
		for name, value := range req.Headers {
			key := strings.ToLower(name)
			headers[key] = append(headers[key], value)
		}
		names := make([]string, 0, len(opts.IncludeHeaders))
		for _, name := range opts.IncludeHeaders {
			names = append(names, strings.ToLower(name))
		}
		sort.Strings(names)
		for i, name := range names {
			if i > 0 && names[i-1] == name {
				continue
			}
			values, ok := headers[name]
			if !ok {
				continue
			}
			sort.Strings(values)
			writeField(name)
			writeField(strconv.Itoa(len(values)))
			for _, value := range values {
				writeField(value)
			}
		}
	}
	writeField(cookieSetHash(req.Cookies))

	return hex.EncodeToString(h.Sum(nil)), nil
}

func cookieSetHash(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%d:%s=%d:%s;", len(name), name, len(cookies[name]), cookies[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalURL normalizes rawURL: lower-case scheme and host, default port
// dropped, query parameters sorted by key, fragment dropped. Parameters are
// kept as written, so pairs the url package cannot decode still count.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = sortRawQuery(u.RawQuery)
	}
	return u.String(), nil
}

// sortRawQuery orders the '&'-separated pairs of query by their undecoded key.
// Pairs sharing a key keep their relative order and empty pairs are dropped.
func sortRawQuery(query string) string {
	pairs := strings.Split(query, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p != "" {
			kept = append(kept, p)
		}
	}
	key := func(pair string) string {
		k, _, _ := strings.Cut(pair, "=")
		return k
	}
	sort.SliceStable(kept, func(i, j int) bool { return key(kept[i]) < key(kept[j]) })
	return strings.Join(kept, "&")
}

// NewRequestItem builds a work item for req. The item id is the request fingerprint
// and the payload is the JSON-encoded request.
func NewRequestItem(jobID string, req *Request, priority int, opts FingerprintOptions) (*WorkItem, error) {
	id, err := RequestFingerprint(req, opts)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &WorkItem{
		ID:         id,
		JobID:      jobID,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// DecodeRequest decodes the request carried by an item built with NewRequestItem.
func DecodeRequest(item *WorkItem) (*Request, error) {
	var req Request
	if err := json.Unmarshal(item.Payload, &req); err != nil {
		return nil, &SerializationError{Op: "decode", Serializer: "request", ItemID: item.ID, Err: err}
	}
	return &req, nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// FingerprintFilter suppresses items whose fingerprint was accepted within the TTL window.
type FingerprintFilter struct {
	backend Backend
	keys    Keys
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
	retries int
}

// NewFingerprintFilter creates a filter over the fingerprint set of keys.
func NewFingerprintFilter(backend Backend, keys Keys, ttl time.Duration, logger *slog.Logger) *FingerprintFilter {
	return &FingerprintFilter{
		backend: backend,
		keys:    keys,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// Accept records item's fingerprint and reports whether it was new.
// A duplicate within the TTL window returns false with a nil error.
func (f *FingerprintFilter) Accept(ctx context.Context, item *WorkItem) (bool, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return false, err
	}
	if item == nil || item.ID == "" {
		return false, fmt.Errorf("item id is empty")
	}
	fp := Fingerprint{Hash: item.ID, JobID: f.keys.JobID, CreatedAt: f.now().UTC(), TTL: f.ttl}
	added, err := withTransientRetry(ctx, f.retries, func() (bool, error) {
		return f.backend.AddFingerprint(ctx, f.keys, fp.Hash, fp.CreatedAt, fp.TTL)
	})
	if err != nil {
		return false, fmt.Errorf("add fingerprint: %w", err)
	}
	if !added {
		f.logger.Debug("duplicate item filtered", "itemID", fp.Hash, "job", fp.JobID, "windowEnds", fp.ExpiresAt())
		f.metrics.recordDuplicate(ctx)
	}
	return added, nil
}
