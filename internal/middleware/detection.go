package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/jcollis/bastion/internal/models"
	pkghttp "github.com/jcollis/bastion/pkg/http"
)

// maxBodySample caps how much of a request body the classifier sees.
// Larger bodies are sampled, not rejected.
const maxBodySample = 8 * 1024

// blockChecker is the slice of the block registry the detection gate needs
type blockChecker interface {
	IsBlocked(ctx context.Context, origin string) bool
}

// incidentRecorder is the slice of the escalation engine the detector needs
type incidentRecorder interface {
	RecordIncident(ctx context.Context, origin string, category models.Category) (int, bool, error)
}

// eventClassifier maps inbound events to suspicious-behavior categories
type eventClassifier interface {
	Classify(event models.Event) (models.Category, bool)
}

// requestCounter tracks per-origin hit counts for burst detection
type requestCounter interface {
	Hit(ctx context.Context, origin string) (int, error)
}

// Detector inspects every inbound request: blocked origins are rejected
// up front with a deliberately uninformative 403, everything else is
// classified and fed to the escalation engine. Detection failures never
// take a legitimate request down: storage errors are logged and swallowed.
type Detector struct {
	blocks     blockChecker
	escalation incidentRecorder
	classifier eventClassifier
	counter    requestCounter
	ipConfig   *pkghttp.IPConfig
	logger     *slog.Logger
}

// NewDetector creates a new Detector
func NewDetector(
	blocks blockChecker,
	escalation incidentRecorder,
	classifier eventClassifier,
	counter requestCounter,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) *Detector {
	return &Detector{
		blocks:     blocks,
		escalation: escalation,
		classifier: classifier,
		counter:    counter,
		ipConfig:   ipConfig,
		logger:     logger,
	}
}

// Middleware is the per-request detection pipeline: block gate, burst
// count, classification, escalation.
func (d *Detector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := pkghttp.ExtractClientIP(r, d.ipConfig)

		if d.blocks.IsBlocked(r.Context(), origin) {
			// Uniform response: blocked clients learn nothing about why.
			pkghttp.WriteForbidden(w, "forbidden")
			return
		}

		count, err := d.counter.Hit(r.Context(), origin)
		if err != nil {
			// Fail open: a dead counter backend must not stall traffic.
			d.logger.Warn("request counter unavailable",
				slog.String("origin", origin),
				slog.Any("error", err))
			count = 0
		}

		event := models.RequestEvent{
			Method:          r.Method,
			Path:            r.URL.Path,
			Query:           r.URL.RawQuery,
			Body:            d.sampleBody(r),
			Origin:          origin,
			ClientSignature: r.Header.Get("User-Agent"),
			RequestCount:    count,
		}

		if category, ok := d.classifier.Classify(event); ok {
			if blocked := d.record(r.Context(), event, category); blocked {
				pkghttp.WriteForbidden(w, "forbidden")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// NotFoundHandler records unresolved-route probes before answering 404.
// Wired as the router's not-found handler so scan counting sees every miss.
func (d *Detector) NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := pkghttp.ExtractClientIP(r, d.ipConfig)

		event := models.NotFoundEvent{
			Path:   r.URL.Path,
			Origin: origin,
		}

		if category, ok := d.classifier.Classify(event); ok {
			if blocked := d.record(r.Context(), event, category); blocked {
				pkghttp.WriteForbidden(w, "forbidden")
				return
			}
		}

		pkghttp.WriteNotFound(w, "not found")
	}
}

// record feeds one categorized event to the escalation engine and reports
// whether this occurrence escalated to a block. The origin is taken from
// the event itself so every variant charges the address it was observed
// from. Storage failures are swallowed: detection is best-effort by
// contract.
func (d *Detector) record(ctx context.Context, event models.Event, category models.Category) bool {
	origin := models.EventOrigin(event)
	count, blocked, err := d.escalation.RecordIncident(ctx, origin, category)
	if err != nil {
		d.logger.Warn("failed to record incident",
			slog.String("origin", origin),
			slog.String("category", string(category)),
			slog.Any("error", err))
		return false
	}

	d.logger.Info("suspicious event recorded",
		slog.String("origin", origin),
		slog.String("category", string(category)),
		slog.Int("count", count),
		slog.Bool("blocked", blocked))

	return blocked
}

// sampleBody reads up to maxBodySample bytes of the request body for
// classification and restores the body for downstream handlers.
func (d *Detector) sampleBody(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}

	sample, err := io.ReadAll(io.LimitReader(r.Body, maxBodySample))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(sample))
		return ""
	}

	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(sample), rest), rest}

	return string(sample)
}
