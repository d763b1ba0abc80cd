package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
)

// This file contains all the models under the `graph` schema

// TaskStatus is the pipeline phase a BuildTask is in
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusPreparing TaskStatus = "preparing"
	StatusBuilding  TaskStatus = "building"
	StatusBuilt     TaskStatus = "built"
	StatusServing   TaskStatus = "serving"
	StatusError     TaskStatus = "error"
)

// validTransitions lists the phase changes the pipeline and container control may perform.
// error -> serving is only reachable through an explicit container start or restart.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusPending:   {StatusPreparing, StatusError},
	StatusPreparing: {StatusBuilding, StatusError},
	StatusBuilding:  {StatusBuilt, StatusError},
	StatusBuilt:     {StatusServing, StatusError},
	StatusServing:   {StatusServing, StatusError},
	StatusError:     {StatusServing},
}

// CanTransition checks if a status change from -> to is allowed
func CanTransition(from, to TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InProgress is true for phases where a pipeline unit owns the task
func (s TaskStatus) InProgress() bool {
	return s == StatusPending || s == StatusPreparing || s == StatusBuilding
}

// IsBuilding is true for the phases covered by the same-name conflict guard
func (s TaskStatus) IsBuilding() bool {
	return s == StatusPreparing || s == StatusBuilding
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// FeedRefs is the ordered list of feed registry ids referenced by a task. It is stored as JSONB.
type FeedRefs []int64

func (f FeedRefs) Value() (driver.Value, error) {
	if f == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int64(f))
}

func (f *FeedRefs) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = FeedRefs{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into FeedRefs", src)
	}

	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*f = ids
	return nil
}

// BuildTask is a model representing the `graph.build_task` table
type BuildTask struct {
	ID         int64       `db:"id" json:"id"`
	Name       string      `db:"name" json:"name"`
	OsmFile    string      `db:"osm_file" json:"osm_file"`
	FeedIDs    FeedRefs    `db:"feed_ids" json:"feed_ids"`
	Status     TaskStatus  `db:"status" json:"status"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	StartedAt  null.Time   `db:"started_at" json:"started_at"`
	FinishedAt null.Time   `db:"finished_at" json:"finished_at"`
	Logs       string      `db:"logs" json:"-"`
	LastLogAt  null.Time   `db:"last_log_at" json:"last_log_at"`
	OutputDir  null.String `db:"output_dir" json:"output_dir"`
	IsReady    bool        `db:"is_ready" json:"is_ready"`
	IsServing  bool        `db:"is_serving" json:"is_serving"`
	ServePort  null.Int    `db:"serve_port" json:"serve_port"`
	Version    int64       `db:"version" json:"-"`
}

// Clone returns a deep copy of the task
func (t *BuildTask) Clone() *BuildTask {
	c := *t
	c.FeedIDs = append(FeedRefs{}, t.FeedIDs...)
	return &c
}

// GtfsSource is a model representing the `graph.gtfs_source` table, the transit feed registry
type GtfsSource struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	SourceID  string    `db:"source_id" json:"source_id"`
	URL       string    `db:"url" json:"url"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
