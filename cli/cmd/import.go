package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/framefetch/cli/render"
	"github.com/justapithecus/framefetch/codec"
	"github.com/justapithecus/framefetch/store"
	"github.com/justapithecus/framefetch/types"
)

// ImportResult is one row of import output.
type ImportResult struct {
	ID    string `json:"id" yaml:"id"`
	Key   string `json:"key" yaml:"key"`
	Bytes int    `json:"bytes" yaml:"bytes"`
}

// ImportCommand returns the import command.
func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Store frames from length-prefixed stream files",
		ArgsUsage: "<stream-file>...",
		Flags:     append(OutputFlags(), sessionFlags()...),
		Action:    importAction,
	}
}

func importAction(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return cli.Exit("at least one stream file is required", exitConfigError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	choice, err := resolveSession(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	logger := choice.logger()
	fs, err := openStore(c.Context, choice.cfg.Storage, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open storage: %v", err), exitConfigError)
	}

	var results []ImportResult
	for _, path := range paths {
		rows, err := importFile(c, fs, path)
		results = append(results, rows...)
		if err != nil {
			_ = r.Render(results)
			return cli.Exit(fmt.Sprintf("import %s: %v", path, err), exitFetchFailed)
		}
	}
	return r.Render(results)
}

func importFile(c *cli.Context, fs *store.FrameStore, path string) ([]ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var results []ImportResult
	sr := codec.NewStreamReader(f)
	for {
		frame, err := sr.ReadFrame()
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return results, err
		}
		if frame.ID.IsDerived() {
			continue
		}
		if err := fs.Put(c.Context, frame); err != nil {
			return results, err
		}
		key, _ := store.Key(frame.ID)
		results = append(results, ImportResult{
			ID:    string(frame.ID),
			Key:   key,
			Bytes: frame.SizeInBytes(),
		})
	}
}

// StoredFrame is one row of list output.
type StoredFrame struct {
	ID     string `json:"id" yaml:"id"`
	Scheme string `json:"scheme" yaml:"scheme"`
}

// ListCommand returns the list command.
func ListCommand() *cli.Command {
	flags := append(OutputFlags(), sessionFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:  "scheme",
		Usage: "Only list frames whose identifier has this scheme",
	})
	return &cli.Command{
		Name:   "list",
		Usage:  "List stored frames",
		Flags:  flags,
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	choice, err := resolveSession(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}
	fs, err := openStore(c.Context, choice.cfg.Storage, choice.logger())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open storage: %v", err), exitConfigError)
	}

	ids, err := fs.List(c.Context, c.String("scheme"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to list frames: %v", err), exitFetchFailed)
	}
	rows := make([]StoredFrame, len(ids))
	for i, id := range ids {
		rows[i] = StoredFrame{ID: string(id), Scheme: id.Scheme()}
	}
	return r.Render(rows)
}

// identifiers converts raw command arguments.
func identifiers(raw ...string) []types.Identifier {
	ids := make([]types.Identifier, len(raw))
	for i, s := range raw {
		ids[i] = types.Identifier(s)
	}
	return ids
}
