package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ytharvest/internal/checkpoint"
	"ytharvest/internal/config"
	"ytharvest/internal/quota"
	"ytharvest/internal/storage"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stored totals and today's quota usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(cfg *config.Config, store storage.Store) error {
				videos, err := store.TotalVideos(cmd.Context())
				if err != nil {
					return err
				}
				comments, err := store.TotalComments(cmd.Context())
				if err != nil {
					return err
				}
				latest := "-"
				if v, err := store.LatestVideo(cmd.Context()); err == nil {
					latest = fmt.Sprintf("%s (%s)", v.Title, humanize.Time(v.PublishedAt))
				} else if !errors.Is(err, storage.ErrNotFound) {
					return err
				}

				st := checkpoint.New(cfg.CheckpointPath, ctx.logger).Load()
				used := st.QuotaUsed
				if st.QuotaDate != quota.Day(time.Now()) {
					used = 0
				}

				rows := [][]string{
					{"Storage", fmt.Sprintf("%s (%s)", cfg.Storage.Type, cfg.Storage.Path)},
					{"Channel", orDash(st.ChannelID)},
					{"Videos", humanize.Comma(int64(videos))},
					{"Comments", humanize.Comma(int64(comments))},
					{"Latest video", latest},
					{"Crawl complete", yesNo(st.CrawlComplete)},
					{"Pending comment fetches", humanize.Comma(int64(len(st.PendingComments)))},
					{"Quota used today", fmt.Sprintf("%s / %s", humanize.Comma(int64(used)), humanize.Comma(int64(cfg.Quota.Limit)))},
				}
				if !st.UpdatedAt.IsZero() {
					rows = append(rows, []string{"Last checkpoint", humanize.Time(st.UpdatedAt)})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Stat", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newVideosCommand(ctx *commandContext) *cobra.Command {
	var q storage.VideoQuery
	cmd := &cobra.Command{
		Use:   "videos",
		Short: "List stored videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(_ *config.Config, store storage.Store) error {
				page, err := store.ListVideos(cmd.Context(), q)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(page.Videos))
				for _, v := range page.Videos {
					rows = append(rows, []string{
						v.ID,
						v.Title,
						v.PublishedAt.Format(time.DateOnly),
						count(v.ViewCount),
						count(v.LikeCount),
						count(v.CommentCount),
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Title", "Published", "Views", "Likes", "Comments"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
				))
				printPagination(out, page.Pagination)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "Title substring")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "published_at, title, view_count, like_count, comment_count")
	cmd.Flags().StringVar(&q.Order, "order", "", "asc or desc")
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&q.PerPage, "per-page", 20, "Videos per page")
	return cmd
}

func newCommentsCommand(ctx *commandContext) *cobra.Command {
	var (
		q            storage.CommentQuery
		since, until string
		replies      bool
	)
	cmd := &cobra.Command{
		Use:   "comments <video-id>",
		Short: "List a video's comment threads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.VideoID = args[0]
			var err error
			if q.Since, err = parseDate(since, false); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if q.Until, err = parseDate(until, true); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			return ctx.withStore(cmd.Context(), func(_ *config.Config, store storage.Store) error {
				page, err := store.ListComments(cmd.Context(), q)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n\n", page.VideoTitle)
				for _, th := range page.Comments {
					printComment(out, th.Comment, "")
					if replies {
						for _, r := range th.Replies {
							printComment(out, r, "    ")
						}
					}
				}
				printPagination(out, page.Pagination)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Search, "search", "", "Text or author substring")
	cmd.Flags().Int64Var(&q.MinLikes, "min-likes", 0, "Minimum like count")
	cmd.Flags().StringVar(&since, "since", "", "Earliest publication date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Latest publication date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "published_at, like_count, author")
	cmd.Flags().StringVar(&q.Order, "order", "", "asc or desc")
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&q.PerPage, "per-page", 50, "Threads per page")
	cmd.Flags().BoolVar(&replies, "replies", false, "Show replies under each thread")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var (
		q      storage.SearchQuery
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search stored comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Text = strings.TrimSpace(args[0])
			if format != "text" && format != "json" {
				return fmt.Errorf("--format: unsupported value %q", format)
			}
			return ctx.withStore(cmd.Context(), func(_ *config.Config, store storage.Store) error {
				results, err := store.SearchComments(cmd.Context(), q)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("create output: %w", err)
					}
					defer f.Close()
					out = f
					format = "json"
				}

				if format == "json" {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if results == nil {
						results = []*storage.CommentWithVideo{}
					}
					return enc.Encode(results)
				}

				fmt.Fprintf(out, "Found %d comments matching %q\n\n", len(results), q.Text)
				for _, c := range results {
					fmt.Fprintf(out, "[%s] %s\n", c.VideoID, c.VideoTitle)
					printComment(out, c.Comment, "  ")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&q.Author, "author", "a", "", "Author substring")
	cmd.Flags().StringVarP(&q.VideoID, "video", "v", "", "Restrict to one video ID")
	cmd.Flags().IntVarP(&q.Limit, "limit", "l", 50, "Maximum results")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write JSON results to this file")
	return cmd
}

func printComment(w io.Writer, c *storage.Comment, indent string) {
	fmt.Fprintf(w, "%s%s · %s · %s likes\n", indent, c.Author, c.PublishedAt.Format(time.DateTime), humanize.Comma(c.LikeCount))
	for _, line := range strings.Split(c.Text, "\n") {
		fmt.Fprintf(w, "%s  %s\n", indent, line)
	}
	fmt.Fprintln(w)
}

func printPagination(w io.Writer, p storage.Pagination) {
	fmt.Fprintf(w, "Page %d of %d (%s total)\n", p.Page, max(p.Pages, 1), humanize.Comma(int64(p.Total)))
}

// parseDate accepts a date or an RFC3339 timestamp. A bare date used as an
// upper bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func count(n *int64) string {
	if n == nil {
		return "-"
	}
	return humanize.Comma(*n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
