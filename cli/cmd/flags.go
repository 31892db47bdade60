// Package cmd provides CLI commands for the framefetch binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// OutputFlags returns the shared flags for every command that renders output.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// sessionFlags configure the acquisition stack. Each overrides the
// matching config file value when set.
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to framefetch.yaml",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "warn",
		},
		// Storage flags
		&cli.StringFlag{
			Name:  "storage-backend",
			Usage: "Frame storage backend: fs, s3, or memory",
			Value: "fs",
		},
		&cli.StringFlag{
			Name:  "storage-path",
			Usage: "Storage root (fs) or bucket/prefix (s3)",
			Value: "./frames",
		},
		&cli.StringFlag{
			Name:  "storage-region",
			Usage: "AWS region (s3)",
		},
		&cli.StringFlag{
			Name:  "storage-endpoint",
			Usage: "Custom S3 endpoint for S3-compatible providers",
		},
		&cli.BoolFlag{
			Name:  "storage-s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
		// Cache flags
		&cli.StringFlag{
			Name:  "cache-path",
			Usage: "Persistent cache directory (empty disables the tier)",
		},
		&cli.BoolFlag{
			Name:  "cache-in-memory",
			Usage: "Run the persistent cache tier in memory",
		},
		// HTTP loader flags
		&cli.DurationFlag{
			Name:  "http-timeout",
			Usage: "Per-request timeout for http(s) frames",
		},
		&cli.IntFlag{
			Name:  "http-retries",
			Usage: "Retry attempts for http(s) frames",
			Value: -1,
		},
		// Notification flags
		&cli.StringFlag{
			Name:  "notify",
			Usage: "Forward load events: redis or webhook",
		},
		&cli.StringFlag{
			Name:  "notify-url",
			Usage: "Redis URL or webhook endpoint",
		},
		&cli.StringFlag{
			Name:  "notify-channel",
			Usage: "Redis pub/sub channel",
		},
		&cli.StringSliceFlag{
			Name:  "notify-events",
			Usage: "Forward only these event types (frame_loaded, frame_load_failed, time_point_changed)",
		},
		&cli.BoolFlag{
			Name:  "notify-route-by-type",
			Usage: "Route each event type to its own redis channel or webhook path",
		},
	}
}
