package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kavos113/ctf-instancer/domain"
)

type challengeEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Deployer    string   `yaml:"deployer"`
	Image       string   `yaml:"image"`
	TTL         string   `yaml:"ttl"`
	Attachments []string `yaml:"attachments"`
}

type challengeCatalog struct {
	Challenges []challengeEntry `yaml:"challenges"`
}

// LoadChallenges reads the static challenge catalog. Entries whose deployer
// script does not exist are dropped with a warning instead of failing the
// whole catalog, so a broken challenge does not take the instancer down.
func LoadChallenges(path string, scriptMode bool, log *slog.Logger) (map[string]*domain.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge catalog: %w", err)
	}

	var catalog challengeCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse challenge catalog: %w", err)
	}

	challenges := make(map[string]*domain.Challenge, len(catalog.Challenges))
	for _, entry := range catalog.Challenges {
		if entry.ID == "" || entry.Name == "" {
			return nil, fmt.Errorf("challenge entry missing id or name")
		}
		if _, exists := challenges[entry.ID]; exists {
			return nil, fmt.Errorf("duplicate challenge id %s", entry.ID)
		}

		ttl, err := time.ParseDuration(entry.TTL)
		if err != nil {
			return nil, fmt.Errorf("challenge %s: invalid ttl %q: %w", entry.ID, entry.TTL, err)
		}

		if scriptMode {
			if _, err := os.Stat(entry.Deployer); err != nil {
				log.Warn("disabled challenge: deployer does not exist",
					slog.String("challenge_id", entry.ID),
					slog.String("deployer", entry.Deployer))
				continue
			}
		}

		challenges[entry.ID] = &domain.Challenge{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			Deployer:    entry.Deployer,
			Image:       entry.Image,
			TTL:         ttl,
			Attachments: entry.Attachments,
		}
	}

	return challenges, nil
}
