package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"avgbot/internal/models"
)

type storeFile struct {
	SavedAt   time.Time          `json:"saved_at"`
	Positions []*models.Position `json:"positions"`
}

// Store пишет полный набор позиций на диск после каждой мутации.
// Перед перезаписью делается резервная копия предыдущего файла.
type Store struct {
	path string
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "data/state.json"
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог состояния: %w", err)
		}
	}
	return &Store{path: path}, nil
}

func (s *Store) Save(positions []*models.Position) error {
	payload, err := json.MarshalIndent(storeFile{
		SavedAt:   time.Now(),
		Positions: positions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("не удалось сериализовать состояние: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.path+".bak"); err != nil {
			return fmt.Errorf("не удалось сделать резервную копию: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("не удалось записать состояние: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("не удалось заменить файл состояния: %w", err)
	}
	return nil
}

func (s *Store) Load() ([]*models.Position, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("не удалось прочитать состояние: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("не удалось разобрать состояние: %w", err)
	}
	return file.Positions, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
