// internal/app/seed.go
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Corphon/PersonaRelay/internal/models"
	"github.com/Corphon/PersonaRelay/internal/storage"
	"github.com/Corphon/PersonaRelay/internal/utils"
)

// Seed 种子文件内容
type Seed struct {
	Personas []*models.Persona `yaml:"personas"`
	Groups   []*models.Group   `yaml:"groups"`
}

// LoadSeed 读取 YAML 种子文件
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

// Apply 写入种子中的人格与群组，已存在的同 ID 记录会被覆盖
// 群组成员必须是已存在或同一文件中的人格
func (s *Seed) Apply(ctx context.Context, store storage.Store, logger *utils.Logger) error {
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	for i, p := range s.Personas {
		if p == nil || p.Name == "" {
			return fmt.Errorf("seed persona #%d has no name", i+1)
		}
		if err := store.SavePersona(ctx, p); err != nil {
			return fmt.Errorf("save persona %s: %w", p.Name, err)
		}
	}

	for i, g := range s.Groups {
		if g == nil || g.Name == "" {
			return fmt.Errorf("seed group #%d has no name", i+1)
		}
		for _, id := range g.PersonaIDs {
			if _, err := store.GetPersona(ctx, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("group %s references unknown persona %s", g.Name, id)
				}
				return err
			}
		}
		if err := store.SaveGroup(ctx, g); err != nil {
			return fmt.Errorf("save group %s: %w", g.Name, err)
		}
	}

	logger.Info("seed applied", utils.Fields{"personas": len(s.Personas), "groups": len(s.Groups)})
	return nil
}

// SeedFile 读取并应用种子文件
func (a *App) SeedFile(ctx context.Context, path string) error {
	seed, err := LoadSeed(path)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, a.Store, a.Logger)
}
