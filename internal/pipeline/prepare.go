package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"graphrunner/internal/catalog"
	"graphrunner/internal/gtfs"
	"graphrunner/internal/models"
	"graphrunner/internal/queue"
	"graphrunner/internal/store"
	"graphrunner/internal/tasks"
)

const (
	osmDirName      = "osm"
	gtfsDirName     = "gtfs"
	uploadDirName   = "gtfs_uploaded"
	buildConfigName = "valhalla.json"
)

var (
	errNoFeeds       = errors.New("no transit feed available for this build")
	errUnknownSource = errors.New("unknown road network source")
)

// Prepare stages the road network and transit feeds of a pending task and writes its build config
func (c *Coordinator) Prepare(ctx context.Context, id int64) error {
	rec, err := tasks.Load(ctx, c.store, id, c.opts.Limits)
	if errors.Is(err, tasks.ErrTaskGone) {
		log.Info().Int64("task_id", id).Msg("Build task was deleted before preparation")
		return nil
	} else if err != nil {
		return err
	}

	task := rec.Task()
	if task.Status != models.StatusPending {
		log.Warn().Int64("task_id", id).Str("status", string(task.Status)).Msg("Skipping preparation of task that is not pending")
		return nil
	}

	conflict, err := c.store.HasActiveBuild(ctx, task.Name, id)
	if err != nil {
		return err
	}
	if conflict {
		return c.fail(ctx, rec, "A build of graph %q is already in progress, cancelling this task", task.Name)
	}

	if err := rec.Transition(models.StatusPreparing); err != nil {
		return c.fail(ctx, rec, "Could not start preparation: %v", err)
	}
	rec.Log("Preparing data (road network + transit feeds)")
	if stop, err := c.checkpoint(ctx, rec); stop {
		return err
	}

	if err := c.stage(ctx, rec, task); err != nil {
		if errors.Is(err, tasks.ErrTaskGone) || errors.Is(err, tasks.ErrTerminal) {
			return nil
		}
		return c.fail(ctx, rec, "Preparation failed: %v", err)
	}

	if stop, err := c.checkpoint(ctx, rec); stop {
		return err
	}
	if err := c.queue.Publish(ctx, queue.NewMessage(queue.KindBuild, id)); err != nil {
		return c.fail(ctx, rec, "Could not schedule the build phase: %v", err)
	}
	return nil
}

func (c *Coordinator) stage(ctx context.Context, rec *tasks.Record, task models.BuildTask) error {
	graphDir := c.graphDir(task.Name)
	if err := os.MkdirAll(graphDir, 0o755); err != nil {
		return err
	}
	rec.Update(func(t *models.BuildTask) {
		t.OutputDir.SetValid(graphDir)
	}, store.FieldOutputDir)
	rec.Log("Graph directory: %s", graphDir)

	osmSource, err := c.resolveOsm(ctx, rec, task.OsmFile)
	if err != nil {
		return err
	}
	osmDest := filepath.Join(graphDir, osmDirName, filepath.Base(osmSource))
	if err := copyIfMissing(osmSource, osmDest); err != nil {
		return fmt.Errorf("could not stage road network: %w", err)
	}
	rec.AddLog(ctx, "Road network ready: %s", osmDest)

	gtfsDir := filepath.Join(graphDir, gtfsDirName)
	if err := os.RemoveAll(gtfsDir); err != nil {
		return err
	}
	if err := os.MkdirAll(gtfsDir, 0o755); err != nil {
		return err
	}

	c.stageUploads(ctx, rec, filepath.Join(graphDir, uploadDirName), gtfsDir)
	if err := c.stageRegistryFeeds(ctx, rec, task.FeedIDs, gtfsDir); err != nil {
		return err
	}

	feeds, err := feedDirs(gtfsDir)
	if err != nil {
		return err
	}
	rec.AddLog(ctx, "Transit feeds ready: %d folder(s)", len(feeds))
	if len(feeds) == 0 {
		return errNoFeeds
	}

	if err := c.writeBuildConfig(graphDir); err != nil {
		return fmt.Errorf("could not write %s: %w", buildConfigName, err)
	}
	rec.Log("%s generated", buildConfigName)
	return nil
}

// resolveOsm makes sure the road network file is in the source cache and returns its path. Bare file
// names are looked up in the catalog, values starting with http are downloaded as is.
func (c *Coordinator) resolveOsm(ctx context.Context, rec *tasks.Record, value string) (string, error) {
	if err := os.MkdirAll(c.opts.OsmSourceDir, 0o755); err != nil {
		return "", err
	}

	var literalURL, filename string
	if strings.HasPrefix(value, "http") {
		literalURL = value
		filename = "osm.pbf"
		if u, err := url.Parse(value); err == nil {
			if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
				filename = base
			}
		}
	} else {
		filename = filepath.Base(value)
	}

	local := filepath.Join(c.opts.OsmSourceDir, filename)
	if _, err := os.Stat(local); err == nil {
		rec.AddLog(ctx, "Road network found locally")
		return local, nil
	}

	var downloadURL string
	if entry, ok := catalog.Lookup(filename); ok {
		downloadURL = entry.URL()
		rec.AddLog(ctx, "Downloading road network (catalog, %s): %s", entry.Region, downloadURL)
	} else if literalURL != "" {
		downloadURL = literalURL
		rec.AddLog(ctx, "Downloading road network (given URL): %s", downloadURL)
	} else {
		return "", fmt.Errorf("%w: %s", errUnknownSource, filename)
	}

	n, err := c.fetcher.FetchToFile(ctx, downloadURL, local)
	if err != nil {
		return "", fmt.Errorf("could not download road network: %w", err)
	}
	rec.AddLog(ctx, "Road network downloaded (%s)", humanize.Bytes(uint64(n)))
	return local, nil
}

// stageUploads extracts the archives found in the upload inbox, then deletes them. Failures are
// logged and skip the archive.
func (c *Coordinator) stageUploads(ctx context.Context, rec *tasks.Record, inbox, gtfsDir string) {
	entries, err := os.ReadDir(inbox)
	if err != nil {
		return
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			archives = append(archives, e.Name())
		}
	}
	if len(archives) == 0 {
		return
	}
	rec.AddLog(ctx, "Uploaded transit archives found: %d", len(archives))

	for _, name := range archives {
		archive := filepath.Join(inbox, name)
		base := strings.TrimSuffix(name, filepath.Ext(name))
		extractDir := filepath.Join(gtfsDir, base)

		if _, err := gtfs.ExtractArchive(archive, extractDir); err != nil {
			_ = os.RemoveAll(extractDir)
			rec.AddLog(ctx, "Extraction of uploaded archive %s failed: %v", name, err)
			continue
		}
		if err := os.Remove(archive); err != nil {
			log.Warn().Err(err).Str("archive", archive).Msg("Could not remove consumed upload")
		}
		rec.AddLog(ctx, "Uploaded transit feed extracted: %s", base)
		c.normalize(ctx, rec, base, extractDir)
	}
}

// stageRegistryFeeds downloads and extracts the referenced registry feeds. A feed that cannot be
// fetched or extracted is logged and skipped.
func (c *Coordinator) stageRegistryFeeds(ctx context.Context, rec *tasks.Record, ids models.FeedRefs, gtfsDir string) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		feed, err := c.store.GetFeed(ctx, id)
		if err != nil {
			rec.AddLog(ctx, "Transit feed #%d unavailable: %v", id, err)
			continue
		}
		if !graphNamePattern.MatchString(feed.SourceID) {
			rec.AddLog(ctx, "Transit feed #%d has an unusable source id %q", id, feed.SourceID)
			continue
		}

		archive := filepath.Join(gtfsDir, feed.SourceID+".zip")
		extractDir := filepath.Join(gtfsDir, feed.SourceID)

		rec.AddLog(ctx, "Downloading transit feed: %s", feed.Name)
		if _, err := c.fetcher.FetchToFile(ctx, feed.URL, archive); err != nil {
			rec.AddLog(ctx, "Download of transit feed %s failed: %v", feed.SourceID, err)
			continue
		}
		files, err := gtfs.ExtractArchive(archive, extractDir)
		_ = os.Remove(archive)
		if err != nil {
			_ = os.RemoveAll(extractDir)
			rec.AddLog(ctx, "Extraction of transit feed %s failed: %v", feed.SourceID, err)
			continue
		}
		rec.AddLog(ctx, "Transit feed extracted: %s (%d files, calendar.txt=%s, calendar_dates.txt=%s)",
			feed.SourceID, files,
			yesNo(exists(filepath.Join(extractDir, gtfs.CalendarFile))),
			yesNo(exists(filepath.Join(extractDir, gtfs.CalendarDatesFile))))
		c.normalize(ctx, rec, feed.SourceID, extractDir)
	}
	return nil
}

func (c *Coordinator) normalize(ctx context.Context, rec *tasks.Record, feed, dir string) {
	summary, err := gtfs.EnsureCalendar(dir)
	if err != nil {
		rec.AddLog(ctx, "Calendar synthesis failed (%s): %v", feed, err)
		return
	}
	rec.AddLog(ctx, "%s", summary.String())
}

// feedDirs lists the extracted feed directories
func feedDirs(gtfsDir string) ([]string, error) {
	entries, err := os.ReadDir(gtfsDir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

func copyIfMissing(src, dest string) error {
	if exists(dest) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
