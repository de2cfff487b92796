package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

const envTemplate = `# YouTube API key (required)
YOUTUBE_API_KEY=your_api_key_here
# Channel synced when none is given on the command line
YOUTUBE_CHANNEL_ID=

# Storage: sqlite, json, jsonl or postgres
STORAGE_TYPE=sqlite
# Directory for database, JSON files and the checkpoint
STORAGE_PATH=data
# Connection string when STORAGE_TYPE=postgres
DATABASE_URL=

# Fetch replies to comments
INCLUDE_REPLIES=false
# 0 = no limit
MAX_VIDEOS=0
# Seconds between API requests
REQUEST_DELAY=0.5

# Daily quota and the reserve kept unused
QUOTA_LIMIT=10000
QUOTA_SAFETY_MARGIN=500

# Cron schedule for "ytharvest watch", Pacific time
SYNC_SCHEDULE=0 9 * * *
`

func newInitCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a template .env file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				if errors.Is(err, fs.ErrExist) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists; leaving it unchanged\n", path)
					return nil
				}
				return fmt.Errorf("create %s: %w", path, err)
			}
			if _, err := f.WriteString(envTemplate); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", path, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s; add your API key before running sync\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", ".env", "Where to write the template")
	return cmd
}
