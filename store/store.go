// Package store persists encoded frames in a lode Store and serves them to
// the loader registry under the "lode" scheme.
//
// Frames are stored msgpack-encoded at frames/<scheme>/<path>. An identifier
// "lode:volumes/ct-1/slice-0004" maps to frames/lode/volumes/ct-1/slice-0004.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/framefetch/codec"
	"github.com/justapithecus/framefetch/iox"
	"github.com/justapithecus/framefetch/loader"
	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/types"
)

// Scheme is the identifier scheme served by FrameStore.
const Scheme = "lode"

// keyPrefix is the root of every frame key.
const keyPrefix = "frames/"

// FrameStore reads and writes encoded frames through a lode Store.
type FrameStore struct {
	store  lode.Store
	logger *log.Logger
}

// New creates a FrameStore from a lode store factory.
func New(factory lode.StoreFactory, logger *log.Logger) (*FrameStore, error) {
	s, err := factory()
	if err != nil {
		return nil, wrap("init", "", err)
	}
	return &FrameStore{store: s, logger: logger.Named("store")}, nil
}

// NewFS creates a FrameStore rooted at a filesystem directory.
func NewFS(root string, logger *log.Logger) (*FrameStore, error) {
	return New(lode.NewFSFactory(root), logger)
}

// NewMemory creates an in-memory FrameStore.
func NewMemory(logger *log.Logger) (*FrameStore, error) {
	return New(lode.NewMemoryFactory(), logger)
}

// Key returns the storage key for id.
// Identifiers without a path, or with ".." segments, are rejected.
func Key(id types.Identifier) (string, error) {
	scheme, path := id.Scheme(), id.Path()
	if scheme == "" || path == "" {
		return "", fmt.Errorf("identifier %q has no scheme or path", id)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("identifier %q escapes the frame root", id)
		}
	}
	return keyPrefix + scheme + "/" + strings.TrimPrefix(path, "/"), nil
}

// identifierFor reverses Key.
func identifierFor(key string) (types.Identifier, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", false
	}
	scheme, path, ok := strings.Cut(rest, "/")
	if !ok || scheme == "" || path == "" {
		return "", false
	}
	return types.Identifier(scheme + types.SchemeDelimiter + path), true
}

// Put encodes and stores frame under its identifier.
func (s *FrameStore) Put(ctx context.Context, frame *types.Frame) error {
	key, err := Key(frame.ID)
	if err != nil {
		return err
	}
	payload, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, key, bytes.NewReader(payload)); err != nil {
		return wrap("put", key, err)
	}
	s.logger.Debug("frame stored", map[string]any{
		"frame_id": string(frame.ID),
		"bytes":    len(payload),
	})
	return nil
}

// Get reads and decodes the frame stored for id.
// Returns an error matching ErrNotFound when nothing is stored.
func (s *FrameStore) Get(ctx context.Context, id types.Identifier) (*types.Frame, error) {
	key, err := Key(id)
	if err != nil {
		return nil, err
	}

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return nil, wrap("exists", key, err)
	}
	if !exists {
		return nil, &Error{Kind: ErrNotFound, Op: "get", Key: key, Err: errors.New("no frame stored")}
	}

	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	defer iox.DiscardClose(rc)

	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	frame, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	if frame.ID == "" {
		frame.ID = id
	}
	return frame, nil
}

// Exists reports whether a frame is stored for id.
func (s *FrameStore) Exists(ctx context.Context, id types.Identifier) (bool, error) {
	key, err := Key(id)
	if err != nil {
		return false, err
	}
	ok, err := s.store.Exists(ctx, key)
	return ok, wrap("exists", key, err)
}

// Delete removes the frame stored for id.
func (s *FrameStore) Delete(ctx context.Context, id types.Identifier) error {
	key, err := Key(id)
	if err != nil {
		return err
	}
	return wrap("delete", key, s.store.Delete(ctx, key))
}

// List returns the identifiers of every stored frame whose scheme is scheme.
// An empty scheme lists all frames.
func (s *FrameStore) List(ctx context.Context, scheme string) ([]types.Identifier, error) {
	prefix := keyPrefix
	if scheme != "" {
		prefix += scheme + "/"
	}
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	ids := make([]types.Identifier, 0, len(keys))
	for _, k := range keys {
		if id, ok := identifierFor(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Fetch is a loader.FetchFunc reading frames from the store.
// The task's cancellation hook cancels the storage read.
func (s *FrameStore) Fetch(ctx context.Context, id types.Identifier, _ types.LoadOptions) *loader.Task {
	return loader.Start(ctx, func(ctx context.Context) (*types.Frame, error) {
		return s.Get(ctx, id)
	})
}

// Register installs Fetch under Scheme.
func (s *FrameStore) Register(reg *loader.Registry) {
	reg.Register(Scheme, s.Fetch)
}
