package video

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// ErrSearchForbidden reports a rejected or blocked search credential. It switches the
// pipeline to the AI-assisted path.
var ErrSearchForbidden = errors.New("video: search credential forbidden")

// SearchHit is one raw result of the search endpoint.
type SearchHit struct {
	ID    string
	Title string
}

// Details is the authoritative metadata for a video id.
type Details struct {
	ID            string
	Title         string
	DurationLabel string
	Embeddable    bool
	ThumbnailURL  string
}

// Searcher is the video-platform search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
	Details(ctx context.Context, ids []string) ([]Details, error)
}

// YouTubeSearcher queries the YouTube Data API v3.
type YouTubeSearcher struct {
	service *youtube.Service
}

// NewYouTubeSearcher builds a searcher authenticated by API key. An empty endpoint uses
// the public API.
func NewYouTubeSearcher(ctx context.Context, apiKey, endpoint string) (*YouTubeSearcher, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("video: youtube api key is required")
	}
	options := []option.ClientOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(endpoint) != "" {
		options = append(options, option.WithEndpoint(endpoint))
	}
	service, err := youtube.NewService(ctx, options...)
	if err != nil {
		return nil, err
	}
	return &YouTubeSearcher{service: service}, nil
}

func (s *YouTubeSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error) {
	resp, err := s.service.Search.List([]string{"id", "snippet"}).
		Q(query).
		Type("video").
		VideoEmbeddable("true").
		SafeSearch("strict").
		MaxResults(int64(maxResults)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapSearchError("search", err)
	}

	hits := make([]SearchHit, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		title := ""
		if item.Snippet != nil {
			title = item.Snippet.Title
		}
		hits = append(hits, SearchHit{ID: item.Id.VideoId, Title: title})
	}
	return hits, nil
}

func (s *YouTubeSearcher) Details(ctx context.Context, ids []string) ([]Details, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := s.service.Videos.List([]string{"snippet", "contentDetails", "status"}).
		Id(ids...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, mapSearchError("videos", err)
	}

	details := make([]Details, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Id == "" {
			continue
		}
		entry := Details{ID: item.Id}
		if item.Snippet != nil {
			entry.Title = item.Snippet.Title
			entry.ThumbnailURL = pickThumbnail(item.Snippet.Thumbnails)
		}
		if item.ContentDetails != nil {
			entry.DurationLabel = DurationLabel(item.ContentDetails.Duration)
		}
		if item.Status != nil {
			entry.Embeddable = item.Status.Embeddable
		}
		details = append(details, entry)
	}
	return details, nil
}

func pickThumbnail(thumbnails *youtube.ThumbnailDetails) string {
	if thumbnails == nil {
		return ""
	}
	for _, candidate := range []*youtube.Thumbnail{thumbnails.Medium, thumbnails.High, thumbnails.Default} {
		if candidate != nil && candidate.Url != "" {
			return candidate.Url
		}
	}
	return ""
}

func mapSearchError(call string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %s: %v", ErrSearchForbidden, call, err)
	}
	return fmt.Errorf("video: %s: %w", call, err)
}
