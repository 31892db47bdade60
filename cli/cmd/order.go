package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/framefetch/cli/render"
	"github.com/justapithecus/framefetch/streaming"
	"github.com/justapithecus/framefetch/types"
)

// OrderEntry is one row of order output. Status and Error are set only
// when the order was fetched.
type OrderEntry struct {
	Position int    `json:"position" yaml:"position"`
	Group    int    `json:"group" yaml:"group"`
	FrameID  string `json:"frame_id" yaml:"frame_id"`
	Status   string `json:"status,omitempty" yaml:"status,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// OrderCommand returns the order command. It prints the load order a
// dynamic volume would request for the given time point and, with --fetch,
// prefetches the volume in that order through a session.
func OrderCommand() *cli.Command {
	flags := append(OutputFlags(), sessionFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:  "groups",
			Usage: "Number of time point groups to split the frame ids into",
			Value: 1,
		},
		&cli.IntFlag{
			Name:  "index",
			Usage: "Current time point index",
		},
		&cli.IntFlag{
			Name:  "scroll",
			Usage: "Scroll the time point by this delta before ordering",
		},
		&cli.StringFlag{
			Name:  "splitting-key",
			Usage: "Label for the grouping criterion",
		},
		&cli.BoolFlag{
			Name:  "fetch",
			Usage: "Prefetch the volume in load order and report each frame's outcome",
		},
		&cli.IntFlag{
			Name:  "priority",
			Usage: "Prefetch request priority (lower is more urgent)",
		},
	)
	return &cli.Command{
		Name:      "order",
		Usage:     "Show the expanding load order of a dynamic volume",
		ArgsUsage: "<frame-id>...",
		Flags:     flags,
		Action:    orderAction,
	}
}

func orderAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	groups, err := splitGroups(identifiers(c.Args().Slice()...), c.Int("groups"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	cfg := streaming.Config{
		Groups:       groups,
		SplittingKey: c.String("splitting-key"),
		InitialIndex: c.Int("index"),
	}
	if !c.Bool("fetch") {
		st, err := newOrderStreamer(c, cfg)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
		return r.Render(orderEntries(st, nil))
	}

	choice, err := resolveSession(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	s, err := openSession(ctx, choice)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open session: %v", err), exitConfigError)
	}
	defer func() { _ = s.Close() }()

	cfg.VolumeID = s.id
	cfg.Scheduler = s.coord
	cfg.Events = s.bus
	cfg.Metrics = s.metrics
	cfg.Logger = s.logger
	st, err := newOrderStreamer(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	results, err := awaitOutcomes(ctx, s, st.BuildLoadOrder(), func([]types.Identifier) error {
		return st.Prefetch(c.Int("priority"))
	})
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	if err := r.Render(orderEntries(st, results)); err != nil {
		return err
	}
	return cli.Exit("", resultsExitCode(results))
}

// newOrderStreamer builds the streamer and applies --scroll.
func newOrderStreamer(c *cli.Context, cfg streaming.Config) (*streaming.Streamer, error) {
	s, err := streaming.New(cfg)
	if err != nil {
		return nil, err
	}
	if d := c.Int("scroll"); d != 0 {
		if err := s.Scroll(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// splitGroups divides ids into n consecutive groups of equal size.
func splitGroups(ids []types.Identifier, n int) ([][]types.Identifier, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one frame id is required")
	}
	if n < 1 || n > len(ids) {
		return nil, fmt.Errorf("--groups must be between 1 and %d, got %d", len(ids), n)
	}
	if len(ids)%n != 0 {
		return nil, fmt.Errorf("%w: %d frames do not split into %d groups", types.ErrNonUniformGroupSize, len(ids), n)
	}
	size := len(ids) / n
	groups := make([][]types.Identifier, n)
	for i := range groups {
		groups[i] = ids[i*size : (i+1)*size]
	}
	return groups, nil
}

// orderEntries lists s in load order. results, when given, are in the same
// order and supply each row's outcome.
func orderEntries(s *streaming.Streamer, results []FetchResult) []OrderEntry {
	group := make(map[types.Identifier]int)
	for i, g := range s.Groups() {
		for _, id := range g {
			group[id] = i
		}
	}
	order := s.BuildLoadOrder()
	entries := make([]OrderEntry, len(order))
	for i, id := range order {
		entries[i] = OrderEntry{Position: i, Group: group[id], FrameID: string(id)}
		if i < len(results) {
			entries[i].Status = results[i].Status
			entries[i].Error = results[i].Error
		}
	}
	return entries
}
