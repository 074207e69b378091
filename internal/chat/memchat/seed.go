package memchat

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed describes the initial users and channels of a Store.
type Seed struct {
	Users    []string      `yaml:"users"`
	Channels []SeedChannel `yaml:"channels"`
}

// SeedChannel is one channel entry of a Seed.
type SeedChannel struct {
	ID          string       `yaml:"id"`
	WorkspaceID string       `yaml:"workspace_id"`
	OwnerID     string       `yaml:"owner_id"`
	Members     []SeedMember `yaml:"members"`
}

// SeedMember is one channel member of a SeedChannel.
type SeedMember struct {
	UserID      string   `yaml:"user_id"`
	Permissions []string `yaml:"permissions"`
}

// Apply loads seed into s.
func (s *Store) Apply(seed Seed) error {
	for _, userID := range seed.Users {
		s.AddUser(userID)
	}
	for _, ch := range seed.Channels {
		if ch.ID == "" || ch.OwnerID == "" {
			return fmt.Errorf("seed channel requires id and owner_id")
		}
		s.AddChannel(ch.ID, ch.WorkspaceID, ch.OwnerID)
		for _, m := range ch.Members {
			s.AddChannelMember(ch.ID, m.UserID, m.Permissions...)
		}
	}
	return nil
}

// LoadSeed decodes a YAML seed from r into a new Store.
func LoadSeed(r io.Reader) (*Store, error) {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	s := New()
	if err := s.Apply(seed); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSeedFile reads a YAML seed from path.
func LoadSeedFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadSeed(f)
}
