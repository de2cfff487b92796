// Package ytharvest keeps a local copy of one YouTube channel's videos and
// comments, fetched through the YouTube Data API v3 under its daily quota.
//
// # Overview
//
// A harvest run discovers videos, fetches their comments and records a
// checkpoint so that the next run resumes where this one stopped:
//
//   - The first run crawls every upload of the channel.
//   - Later runs list only uploads newer than the newest stored video, then
//     re-check stored videos for comment counts that grew.
//   - Comments are written in batches as they arrive, so a stop request or
//     an exhausted quota loses at most the video in progress.
//
// Videos and comments are stored in SQLite (default), PostgreSQL, a JSON
// array per collection, or append-only JSON Lines. The same read API serves
// paginated listings and comment search over every backend.
//
// # Usage
//
// The ytharvest command (cmd/ytharvest) is the entry point:
//
//	ytharvest init                 # write a template .env
//	ytharvest sync UCxxxxxxxxxxxx  # one run
//	ytharvest watch --now          # scheduled runs, daily at 09:00 Pacific
//	ytharvest stats
//	ytharvest search "great video" --format json
//
// Configuration comes from defaults, an optional ytharvest.toml, .yaml or
// .json file, a .env file and environment variables, in increasing order of
// priority.
//
// # Errors
//
// This package re-exports the sentinel errors callers match with errors.Is.
// Quota exhaustion is not a failure of the data: the checkpoint is saved and
// the next run on a new quota day continues.
package ytharvest
