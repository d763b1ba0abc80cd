package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"graphrunner/internal/models"
	"graphrunner/internal/pipeline"
)

type SubmitBuild struct {
	Name    string  `json:"name"`
	OsmFile string  `json:"osm_file"`
	FeedIDs []int64 `json:"feed_ids"`

	// RunAt is an optional start time, RFC 3339 or a local wall clock time such as "2025-03-04 21:30"
	RunAt string `json:"run_at"`
}

// submission validates the request and converts it. Graph name rules are left to the coordinator.
func (s *SubmitBuild) submission(loc *time.Location) (pipeline.Submission, error) {
	var errs []error

	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}

	s.OsmFile = strings.TrimSpace(s.OsmFile)
	if s.OsmFile == "" {
		errs = append(errs, errors.New("osm_file is empty"))
	}

	seen := map[int64]bool{}
	for _, id := range s.FeedIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("feed id %d must be positive", id))
		} else if seen[id] {
			errs = append(errs, fmt.Errorf("feed id %d is listed twice", id))
		}
		seen[id] = true
	}

	runAt, err := pipeline.ParseRunAt(s.RunAt, loc)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return pipeline.Submission{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidInput, errors.Join(errs...))
	}
	return pipeline.Submission{
		Name:    s.Name,
		OsmFile: s.OsmFile,
		FeedIDs: s.FeedIDs,
		RunAt:   runAt,
	}, nil
}

type RecreateBuild struct {
	RunAt string `json:"run_at"`
}

type CreateFeed struct {
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
	IsActive *bool  `json:"is_active"`
}

func (c *CreateFeed) feed() *models.GtfsSource {
	active := true
	if c.IsActive != nil {
		active = *c.IsActive
	}
	return &models.GtfsSource{
		Name:     strings.TrimSpace(c.Name),
		SourceID: strings.TrimSpace(c.SourceID),
		URL:      strings.TrimSpace(c.URL),
		IsActive: active,
	}
}
