// Package resolver locates and retrieves blueprint documents: the main
// blueprint, its imports, refs and alias files.
//
// Locations are URLs. file: URLs are read from disk, http(s): URLs are
// fetched with retries. Bare names are tried as local paths, then next to
// the referring document, then under the configured base location.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned when no candidate location exists.
	ErrNotFound = errors.New("no suitable location found")

	// ErrUnsupportedScheme is returned for URL schemes that cannot be fetched.
	ErrUnsupportedScheme = errors.New("unsupported location scheme")

	// ErrFetchFailed is returned when a remote location answers with a
	// non-success status.
	ErrFetchFailed = errors.New("fetch failed")
)

// urlPrefixes are taken verbatim as locations.
var urlPrefixes = []string{"http:", "https:", "ftp:", "file:"}

// =============================================================================
// Config
// =============================================================================

// Config holds resolver settings.
type Config struct {
	// BaseLocation is the last-resort prefix for bare names.
	BaseLocation string

	HTTPTimeout  time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns the default resolver settings.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:  30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver implements imports.Resolver over files and HTTP.
type Resolver struct {
	base   string
	client *retryablehttp.Client
	logger *slog.Logger
}

// New creates a Resolver. Zero durations and a negative retry count fall
// back to DefaultConfig values.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.HTTPTimeout
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.Logger = logger.With("component", "resolver")

	return &Resolver{
		base:   cfg.BaseLocation,
		client: client,
		logger: logger,
	}
}

// Resolve turns a reference into a location. contextLocation is the
// location of the referring document, empty for the main blueprint.
func (r *Resolver) Resolve(ctx context.Context, ref, contextLocation string) (string, error) {
	if hasURLPrefix(ref) {
		return ref, nil
	}

	if _, err := os.Stat(ref); err == nil {
		return fileURL(ref)
	}

	if contextLocation != "" {
		candidate := contextLocation[:strings.LastIndex(contextLocation, "/")+1] + ref
		if r.exists(ctx, candidate) {
			return candidate, nil
		}
	}

	if r.base != "" {
		return joinBase(r.base, ref), nil
	}

	return "", fmt.Errorf("%w for %s", ErrNotFound, ref)
}

// Fetch reads the content at location.
func (r *Resolver) Fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %s: %w", location, err)
	}

	switch u.Scheme {
	case "file":
		return os.ReadFile(filePath(u))
	case "http", "https":
		return r.fetchHTTP(ctx, location)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, location)
	}
}

// LoadAliases reads a YAML mapping of alias to location.
func (r *Resolver) LoadAliases(ctx context.Context, location string) (map[string]string, error) {
	resolved, err := r.Resolve(ctx, location, "")
	if err != nil {
		return nil, err
	}
	data, err := r.Fetch(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read alias file %s: %w", resolved, err)
	}

	var aliases map[string]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("failed to parse alias file %s: %w", resolved, err)
	}
	if aliases == nil {
		aliases = map[string]string{}
	}
	return aliases, nil
}

// MergeAliases returns file aliases overridden by explicit ones.
func MergeAliases(fromFile, explicit map[string]string) map[string]string {
	out := make(map[string]string, len(fromFile)+len(explicit))
	for k, v := range fromFile {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

func (r *Resolver) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, location, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// exists reports whether a candidate location can be read.
func (r *Resolver) exists(ctx context.Context, location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		_, err := os.Stat(filePath(u))
		return err == nil
	}
	if _, err := r.Fetch(ctx, location); err != nil {
		r.logger.Debug("candidate location not readable", "location", location, "error", err)
		return false
	}
	return true
}

// =============================================================================
// Helpers
// =============================================================================

func hasURLPrefix(ref string) bool {
	for _, prefix := range urlPrefixes {
		if strings.HasPrefix(ref, prefix) {
			return true
		}
	}
	return false
}

func fileURL(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// filePath handles both file:///abs and opaque file:rel forms.
func filePath(u *url.URL) string {
	if u.Path == "" {
		return filepath.FromSlash(u.Opaque)
	}
	return filepath.FromSlash(u.Path)
}

func joinBase(base, ref string) string {
	if strings.HasSuffix(base, "/") {
		return base + ref
	}
	return base + "/" + ref
}
