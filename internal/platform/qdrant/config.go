package qdrant

import (
	"fmt"
	"strings"
)

type Config struct {
	URL             string
	Collection      string
	NamespacePrefix string
	VectorDim       int
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("qdrant url required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection required")
	}
	if cfg.VectorDim <= 0 {
		return fmt.Errorf("qdrant vector dim must be positive, got %d", cfg.VectorDim)
	}
	return nil
}
