package linkstore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BioHazard786/peerlink/internal/link"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrLinkExists   = errors.New("link already exists")
	ErrLinkNotFound = errors.New("link not found")
)

// file is the on-disk layout.
type file struct {
	Version  int         `msgpack:"version"`
	Links    []link.Link `msgpack:"links"`
	Identity []byte      `msgpack:"identity,omitempty"`
}

const fileVersion = 1

// Store keeps links in a msgpack encoded file. It implements link.Source.
type Store struct {
	path string
	mu   sync.Mutex
}

func Open(path string) *Store {
	return &Store{path: path}
}

// DefaultPath returns the links file under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "peerlink-links.msgpack"
	}
	return filepath.Join(dir, "peerlink", "links.msgpack")
}

func (s *Store) Links(ctx context.Context) ([]link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Links, nil
}

// Identity returns the wallet's signing key, creating and storing one on
// first use.
func (s *Store) Identity() (ed25519.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(f.Identity) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(f.Identity), nil
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	f.Identity = key
	return key, s.save(f)
}

// Add stores a new link. Links are unique by connection id.
func (s *Store) Add(l link.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range f.Links {
		if existing.ID() == l.ID() {
			return fmt.Errorf("%w: %s", ErrLinkExists, l.ID().Short())
		}
	}
	f.Links = append(f.Links, l)
	return s.save(f)
}

// Remove deletes the link with the given connection id.
func (s *Store) Remove(id link.ConnectionID) (link.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return link.Link{}, err
	}
	for i, l := range f.Links {
		if l.ID() == id {
			f.Links = append(f.Links[:i:i], f.Links[i+1:]...)
			return l, s.save(f)
		}
	}
	return link.Link{}, fmt.Errorf("%w: %s", ErrLinkNotFound, id.Short())
}

// Find resolves a link by a connection id prefix.
func (s *Store) Find(prefix string) (link.Link, error) {
	links, err := s.Links(context.Background())
	if err != nil {
		return link.Link{}, err
	}
	var found []link.Link
	for _, l := range links {
		if prefix != "" && strings.HasPrefix(l.ID().String(), prefix) {
			found = append(found, l)
		}
	}
	switch len(found) {
	case 0:
		return link.Link{}, fmt.Errorf("%w: %s", ErrLinkNotFound, prefix)
	case 1:
		return found[0], nil
	default:
		return link.Link{}, fmt.Errorf("ambiguous link id %q matches %d links", prefix, len(found))
	}
}

func (s *Store) load() (*file, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &file{Version: fileVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read links: %w", err)
	}

	var f file
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode links: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported links file version %d", f.Version)
	}
	return &f, nil
}

func (s *Store) save(f *file) error {
	f.Version = fileVersion
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create links dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write links: %w", err)
	}
	return os.Rename(tmp, s.path)
}
