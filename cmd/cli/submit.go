package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"graphrunner/internal/api"
	"graphrunner/internal/config"
	"graphrunner/internal/models"
)

var submitCmd = &cobra.Command{
	Use:   "submit NAME OSM_FILE",
	Short: "Submits a build task to the API server",
	Long: `Submits a build task to the API server.

OSM_FILE is a file name in the OSM source directory, a region of the built-in catalog or an http(s)
URL. Feeds are ids of the feed registry. --at takes a local time such as "2025-03-04 21:30".`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		feeds, _ := cmd.Flags().GetInt64Slice("feed")
		at, _ := cmd.Flags().GetString("at")
		endpoint, _ := cmd.Flags().GetString("api")
		if endpoint == "" {
			endpoint = fmt.Sprintf("http://localhost:%d", conf.Server.Port)
		}

		task, err := submit(strings.TrimRight(endpoint, "/"), api.SubmitBuild{
			Name:    args[0],
			OsmFile: args[1],
			FeedIDs: feeds,
			RunAt:   at,
		})
		if err != nil {
			log.Error().Err(err).Msg("Could not submit build task")
			os.Exit(1)
		}
		log.Info().Int64("task_id", task.ID).Str("graph", task.Name).Msg("Build task submitted")
	},
}

func init() {
	submitCmd.Flags().Int64Slice("feed", nil, "feed registry id, repeatable")
	submitCmd.Flags().String("at", "", "start time, defaults to now")
	submitCmd.Flags().String("api", "", "API server URL, defaults to the configured server port on localhost")
}

func submit(endpoint string, payload api.SubmitBuild) (*models.BuildTask, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(endpoint+"/api/builds", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var task models.BuildTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
