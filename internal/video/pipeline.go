package video

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"go.uber.org/zap"
)

const (
	defaultTargetCount     = 7
	defaultOverfetchFactor = 2

	suggestionSchemaHint = `{"videos":[{"id":"11-character YouTube video id","title":"video title"}]}`
)

var errMissingGateway = errors.New("video: ai gateway is required")

// PipelineConfig wires the discovery pipeline. A nil Searcher means no search credential
// is configured.
type PipelineConfig struct {
	Searcher        Searcher
	Gateway         *aigateway.Gateway
	Verifier        *Verifier
	TargetCount     int
	OverfetchFactor int
	Logger          *zap.Logger
}

// Pipeline discovers, verifies and deduplicates videos for a topic.
type Pipeline struct {
	searcher        Searcher
	gateway         *aigateway.Gateway
	verifier        *Verifier
	targetCount     int
	overfetchFactor int
	logger          *zap.Logger
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = NewVerifier(NewThumbnailProber("", 0), 0, logger)
	}
	target := cfg.TargetCount
	if target <= 0 {
		target = defaultTargetCount
	}
	overfetch := cfg.OverfetchFactor
	if overfetch < 1 {
		overfetch = defaultOverfetchFactor
	}
	return &Pipeline{
		searcher:        cfg.Searcher,
		gateway:         cfg.Gateway,
		verifier:        verifier,
		targetCount:     target,
		overfetchFactor: overfetch,
		logger:          logger,
	}, nil
}

// TargetCount is the maximum number of candidates Discover returns.
func (p *Pipeline) TargetCount() int {
	return p.targetCount
}

// Discover returns at most TargetCount verified candidates for topic, none of which
// appear in excludeIDs. An empty result is not an error.
func (p *Pipeline) Discover(ctx context.Context, topic string, excludeIDs []string) ([]Candidate, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return []Candidate{}, nil
	}
	excluded := toSet(excludeIDs)

	if p.searcher != nil {
		candidates, err := p.discoverPrimary(ctx, topic, excluded)
		if err == nil {
			return candidates, nil
		}
		if !errors.Is(err, ErrSearchForbidden) {
			return nil, err
		}
		p.logger.Warn("video search rejected; using ai-assisted discovery",
			zap.String("topic", topic),
			zap.Error(err))
	}

	return p.discoverSecondary(ctx, topic, excluded)
}

func (p *Pipeline) discoverPrimary(ctx context.Context, topic string, excluded map[string]struct{}) ([]Candidate, error) {
	hits, err := p.searcher.Search(ctx, topic, p.targetCount*p.overfetchFactor)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, hit := range hits {
		if _, dup := seen[hit.ID]; dup {
			continue
		}
		seen[hit.ID] = struct{}{}
		ids = append(ids, hit.ID)
	}

	details, err := p.searcher.Details(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Details, len(details))
	for _, entry := range details {
		byID[entry.ID] = entry
	}

	candidates := make([]Candidate, 0, p.targetCount)
	for _, id := range ids {
		entry, ok := byID[id]
		if !ok || !entry.Embeddable || ValidateID(id) != nil {
			continue
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		candidates = append(candidates, Candidate{
			PlatformID:    id,
			Title:         entry.Title,
			DurationLabel: entry.DurationLabel,
			ThumbnailURL:  entry.ThumbnailURL,
		})
		if len(candidates) == p.targetCount {
			break
		}
	}
	return candidates, nil
}

type suggestionPayload struct {
	Videos []suggestion `json:"videos" validate:"required"`
}

type suggestion struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (p *Pipeline) discoverSecondary(ctx context.Context, topic string, excluded map[string]struct{}) ([]Candidate, error) {
	want := p.targetCount * p.overfetchFactor
	prompt := fmt.Sprintf("Search the web and list %d distinct, currently available YouTube videos that teach %q. Prefer complete lessons from reputable channels. Return only real video ids.", want, topic)

	var mock aigateway.MockProducer[suggestionPayload]
	if catalog, ok := aigateway.SimulatedCatalog(topic); ok {
		mock = func() suggestionPayload {
			payload := suggestionPayload{Videos: make([]suggestion, 0, len(catalog))}
			for _, entry := range catalog {
				payload.Videos = append(payload.Videos, suggestion{ID: entry.ID, Title: entry.Title})
			}
			return payload
		}
	}

	payload, err := aigateway.GroundedStructured(ctx, p.gateway, prompt, suggestionSchemaHint, mock)
	if errors.Is(err, aigateway.ErrNoMock) {
		p.logger.Info("no discovery source available for topic", zap.String("topic", topic))
		return []Candidate{}, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make([]Candidate, 0, len(payload.Videos))
	seen := make(map[string]struct{}, len(payload.Videos))
	for _, entry := range payload.Videos {
		id := strings.TrimSpace(entry.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, skip := excluded[id]; skip {
			continue
		}
		raw = append(raw, Candidate{PlatformID: id, Title: strings.TrimSpace(entry.Title)})
	}

	verified, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(verified) > p.targetCount {
		verified = verified[:p.targetCount]
	}
	return verified, nil
}
