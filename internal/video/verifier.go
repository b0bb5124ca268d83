package video

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultThumbnailBaseURL = "https://i.ytimg.com/vi"
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 4
)

// Prober confirms that a candidate id refers to a real, reachable video.
type Prober interface {
	ThumbnailURL(id string) string
	Exists(ctx context.Context, id string) bool
}

// ThumbnailProber issues a HEAD request against the canonical per-id thumbnail.
type ThumbnailProber struct {
	client  *http.Client
	baseURL string
}

func NewThumbnailProber(baseURL string, timeout time.Duration) *ThumbnailProber {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultThumbnailBaseURL
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &ThumbnailProber{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
	}
}

func (p *ThumbnailProber) ThumbnailURL(id string) string {
	return p.baseURL + "/" + id + "/mqdefault.jpg"
}

func (p *ThumbnailProber) Exists(ctx context.Context, id string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.ThumbnailURL(id), http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Verifier validates id format locally and fans out existence probes with a bounded
// number in flight.
type Verifier struct {
	prober      Prober
	concurrency int
	logger      *zap.Logger
}

func NewVerifier(prober Prober, concurrency int, logger *zap.Logger) *Verifier {
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{prober: prober, concurrency: concurrency, logger: logger}
}

// Verify returns the candidates whose id is well formed and whose probe succeeded, in
// their original order.
func (v *Verifier) Verify(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	wellFormed := make([]Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if err := ValidateID(candidate.PlatformID); err != nil {
			v.logger.Debug("dropping candidate", zap.Error(err))
			continue
		}
		wellFormed = append(wellFormed, candidate)
	}

	passed := make([]bool, len(wellFormed))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(v.concurrency)
	for index := range wellFormed {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			passed[index] = v.prober.Exists(groupCtx, wellFormed[index].PlatformID)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verified := make([]Candidate, 0, len(wellFormed))
	for index, candidate := range wellFormed {
		if !passed[index] {
			v.logger.Debug("candidate failed existence probe", zap.String("platform_id", candidate.PlatformID))
			continue
		}
		if candidate.ThumbnailURL == "" {
			candidate.ThumbnailURL = v.prober.ThumbnailURL(candidate.PlatformID)
		}
		verified = append(verified, candidate)
	}
	return verified, nil
}
