package pipeline

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/container"
	"graphrunner/internal/models"
)

//go:embed templates/valhalla.json
var defaultTemplate []byte

// ErrInvalidConfig wraps validation failures of a serve config document
var ErrInvalidConfig = errors.New("invalid serve config")

// knownActions are the request types the routing service understands
var knownActions = map[string]bool{
	"locate": true, "route": true, "height": true, "sources_to_targets": true, "optimized_route": true,
	"isochrone": true, "trace_route": true, "trace_attributes": true, "transit_available": true,
	"expansion": true, "centroid": true, "status": true,
}

var corsDefaults = [][2]string{
	{"allow_origin", "*"},
	{"allow_methods", "GET, POST, OPTIONS"},
	{"allow_headers", "Content-Type"},
}

// writeBuildConfig clones the template and points its output paths inside graphDir
func (c *Coordinator) writeBuildConfig(graphDir string) error {
	raw := defaultTemplate
	if c.opts.ConfigTemplate != "" {
		var err error
		if raw, err = os.ReadFile(c.opts.ConfigTemplate); err != nil {
			return err
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config template is not valid JSON: %w", err)
	}

	mjolnir, _ := doc["mjolnir"].(map[string]any)
	if mjolnir == nil {
		mjolnir = map[string]any{}
		doc["mjolnir"] = mjolnir
	}
	tiles := filepath.Join(graphDir, "build", "tiles")
	mjolnir["tile_dir"] = filepath.Join(tiles, "valhalla")
	mjolnir["tile_extract"] = filepath.Join(tiles, "valhalla_tiles.tar")
	mjolnir["timezone"] = filepath.Join(tiles, "tz.sqlite")
	mjolnir["transit_dir"] = filepath.Join(tiles, "transit_tiles")
	mjolnir["transit_feeds_dir"] = filepath.Join(tiles, "transit-feeds")

	return writeJSON(filepath.Join(graphDir, buildConfigName), doc)
}

// deriveServeConfig builds the serve-time config of a graph. The build config is preferred, with every
// path under outputDir moved to the container mount point. An existing serve config is patched when
// there is no build config. CORS defaults are added where missing.
func deriveServeConfig(outputDir, mountPoint string) (map[string]any, string, error) {
	var doc map[string]any
	source := ""

	buildPath := filepath.Join(outputDir, buildConfigName)
	servePath := filepath.Join(outputDir, container.ServeConfigName)
	if raw, err := os.ReadFile(buildPath); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, "", fmt.Errorf("could not read %s: %w", buildConfigName, err)
		}
		doc = rewritePaths(doc, outputDir, mountPoint).(map[string]any)
		source = buildConfigName
	} else if raw, err := os.ReadFile(servePath); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, "", fmt.Errorf("could not read %s: %w", container.ServeConfigName, err)
		}
		source = container.ServeConfigName
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ensureCORS(doc)
	return doc, source, nil
}

func rewritePaths(v any, from, to string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = rewritePaths(item, from, to)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = rewritePaths(item, from, to)
		}
		return t
	case string:
		if from != "" && strings.Contains(t, from) {
			return strings.ReplaceAll(t, from, to)
		}
		return t
	default:
		return v
	}
}

func ensureCORS(doc map[string]any) {
	httpd := child(doc, "httpd")
	service := child(httpd, "service")
	ac := child(service, "access_control")
	for _, kv := range corsDefaults {
		if _, ok := ac[kv[0]]; !ok {
			ac[kv[0]] = kv[1]
		}
	}
}

// child returns parent[key] as an object, replacing anything that is not one
func child(parent map[string]any, key string) map[string]any {
	m, ok := parent[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		parent[key] = m
	}
	return m
}

// materializeServeConfig writes the serve config of a task from its build config
func (c *Coordinator) materializeServeConfig(outputDir string) (string, error) {
	doc, source, err := deriveServeConfig(outputDir, c.containers.MountPoint())
	if err != nil {
		return "", err
	}
	return source, writeJSON(filepath.Join(outputDir, container.ServeConfigName), doc)
}

// ServeConfig is the serve-time config document of a graph
type ServeConfig struct {
	Path         string         `json:"path"`
	Materialized bool           `json:"materialized"`
	Config       map[string]any `json:"config"`
}

// GetServeConfig returns the serve config of a task, deriving it from the build config when it was
// not written yet
func (c *Coordinator) GetServeConfig(ctx context.Context, id int64) (*ServeConfig, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	dir := c.outputDir(task)
	if dir == "" {
		return nil, ErrNotReady
	}

	path := filepath.Join(dir, container.ServeConfigName)
	if raw, err := os.ReadFile(path); err == nil {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("could not read %s: %w", container.ServeConfigName, err)
		}
		return &ServeConfig{Path: path, Materialized: true, Config: doc}, nil
	}

	doc, _, err := deriveServeConfig(dir, c.containers.MountPoint())
	if err != nil {
		return nil, err
	}
	return &ServeConfig{Path: path, Config: doc}, nil
}

type UpdateOptions struct {
	DryRun  bool
	Restart bool
	// Merge applies the document as a JSON merge patch over the current config
	Merge bool
}

type UpdateResult struct {
	Valid   bool              `json:"valid"`
	DryRun  bool              `json:"dry_run"`
	Written bool              `json:"written"`
	Backup  string            `json:"backup,omitempty"`
	Config  map[string]any    `json:"config"`
	Restart *container.Result `json:"restart,omitempty"`
}

// UpdateServeConfig validates and stores a new serve config. The previous document is kept as a
// timestamped backup. A dry run only validates.
func (c *Coordinator) UpdateServeConfig(ctx context.Context, id int64, body []byte, opts UpdateOptions) (*UpdateResult, error) {
	current, err := c.GetServeConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Merge {
		base, err := json.Marshal(current.Config)
		if err != nil {
			return nil, err
		}
		if body, err = jsonpatch.MergePatch(base, body); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object: %w", ErrInvalidConfig, err)
	}
	if err := ValidateServeConfig(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	result := &UpdateResult{Valid: true, DryRun: opts.DryRun, Config: doc}
	if opts.DryRun {
		return result, nil
	}
	// a restart that would be refused must not leave a rewritten document behind
	if opts.Restart {
		if _, _, err := c.loadControl(ctx, id); err != nil {
			return nil, err
		}
	}

	if current.Materialized {
		backup := fmt.Sprintf("%s.bak-%s", current.Path, c.now().UTC().Format("20060102T150405Z"))
		if err := copyFile(current.Path, backup); err != nil {
			return nil, fmt.Errorf("could not back up serve config: %w", err)
		}
		result.Backup = backup
	}
	if err := writeJSON(current.Path, doc); err != nil {
		return nil, err
	}
	result.Written = true
	log.Info().Int64("task_id", id).Str("backup", result.Backup).Msg("Serve config updated")

	if opts.Restart {
		res, err := c.RestartContainer(ctx, id)
		if err != nil {
			return nil, err
		}
		result.Restart = &res
	}
	return result, nil
}

// ValidateServeConfig checks the handful of fields whose type the routing service is strict about
func ValidateServeConfig(doc map[string]any) error {
	var errs []error

	if v, ok := doc["mjolnir"]; ok {
		mjolnir, isObj := v.(map[string]any)
		if !isObj {
			errs = append(errs, errors.New("mjolnir must be an object"))
		} else {
			if td, ok := mjolnir["tile_dir"]; ok {
				if _, isStr := td.(string); !isStr {
					errs = append(errs, errors.New("mjolnir.tile_dir must be a string"))
				}
			}
			if logging, ok := mjolnir["logging"].(map[string]any); ok {
				if typ, ok := logging["type"]; ok && typ != "std" && typ != "file" {
					errs = append(errs, fmt.Errorf("mjolnir.logging.type must be std or file, got %v", typ))
				}
			}
		}
	}

	if httpd, ok := doc["httpd"].(map[string]any); ok {
		if service, ok := httpd["service"].(map[string]any); ok {
			if listen, ok := service["listen"]; ok {
				if _, isStr := listen.(string); !isStr {
					errs = append(errs, errors.New("httpd.service.listen must be a string"))
				}
			}
		}
	}

	if loki, ok := doc["loki"].(map[string]any); ok {
		if v, ok := loki["actions"]; ok {
			actions, isList := v.([]any)
			if !isList {
				errs = append(errs, errors.New("loki.actions must be a list"))
			}
			for _, a := range actions {
				name, isStr := a.(string)
				if !isStr || !knownActions[name] {
					errs = append(errs, fmt.Errorf("loki.actions: unknown action %v", a))
				}
			}
		}
	}

	if v, ok := doc["service_limits"]; ok {
		limits, isObj := v.(map[string]any)
		if !isObj {
			errs = append(errs, errors.New("service_limits must be an object"))
		}
		for name, lv := range limits {
			switch l := lv.(type) {
			case float64:
			case map[string]any:
				for key, value := range l {
					errs = append(errs, checkLimit("service_limits."+name+"."+key, key, value)...)
				}
			default:
				errs = append(errs, checkLimit("service_limits."+name, name, lv)...)
			}
		}
	}

	return errors.Join(errs...)
}

// checkLimit accepts numbers, and booleans for allow_* switches
func checkLimit(path, key string, value any) []error {
	if strings.HasPrefix(key, "allow_") {
		if _, ok := value.(bool); !ok {
			return []error{fmt.Errorf("%s must be a boolean", path)}
		}
		return nil
	}
	if _, ok := value.(float64); !ok {
		return []error{fmt.Errorf("%s must be a number", path)}
	}
	return nil
}

func writeJSON(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// hasServeConfig reports whether the serve config of a task was written
func hasServeConfig(task *models.BuildTask) bool {
	return task.OutputDir.Valid && exists(filepath.Join(task.OutputDir.String, container.ServeConfigName))
}
