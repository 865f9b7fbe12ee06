// Package flowfile loads flow definitions from YAML or JSON files.
package flowfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dukex/chatflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrEmptyFile is returned when a file contains no flow document.
var ErrEmptyFile = errors.New("flow file is empty")

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// FlowFile is the on-disk shape of one flow version. A file may hold several documents.
type FlowFile struct {
	TenantID      string      `yaml:"tenant_id"`
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description"`
	EntryNodeID   string      `yaml:"entry_node_id"`
	ReentryPolicy string      `yaml:"reentry_policy"`
	Trigger       TriggerFile `yaml:"trigger"`
	Nodes         []NodeFile  `yaml:"nodes"`
}

// TriggerFile represents a trigger configuration in the YAML file.
type TriggerFile struct {
	Type          string   `yaml:"type"`
	Keywords      []string `yaml:"keywords"`
	MatchMode     string   `yaml:"match_mode"`
	CaseSensitive bool     `yaml:"case_sensitive"`
}

// NodeFile represents a node in the YAML file.
type NodeFile struct {
	ID     string            `yaml:"id"`
	Type   string            `yaml:"type"`
	Name   string            `yaml:"name"`
	Config map[string]any    `yaml:"config"`
	Edges  map[string]string `yaml:"edges"`
}

// Parse decodes every flow document in data. JSON input is accepted as YAML.
func Parse(data []byte) ([]*models.FlowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var flows []*models.FlowDefinition

	for {
		var file FlowFile

		err := decoder.Decode(&file)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to parse flow document %d: %w", len(flows)+1, err)
		}

		flows = append(flows, file.toModel())
	}

	if len(flows) == 0 {
		return nil, ErrEmptyFile
	}

	return flows, nil
}

// Load reads the flows in one file.
func Load(path string) ([]*models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}

	flows, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return flows, nil
}

// LoadDir reads every flow file directly inside dir, in name order.
func LoadDir(dir string) ([]*models.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow directory %s: %w", dir, err)
	}

	var flows []*models.FlowDefinition

	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(Extensions, filepath.Ext(entry.Name())) {
			continue
		}

		loaded, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		flows = append(flows, loaded...)
	}

	return flows, nil
}

func (f FlowFile) toModel() *models.FlowDefinition {
	nodes := make([]*models.Node, 0, len(f.Nodes))
	for _, node := range f.Nodes {
		nodes = append(nodes, &models.Node{
			ID:     node.ID,
			Type:   node.Type,
			Name:   node.Name,
			Config: node.Config,
			Edges:  node.Edges,
		})
	}

	return &models.FlowDefinition{
		TenantID:    f.TenantID,
		Name:        f.Name,
		Description: f.Description,
		Nodes:       nodes,
		EntryNodeID: f.EntryNodeID,
		TriggerConfig: models.TriggerConfig{
			Type:          models.TriggerType(f.Trigger.Type),
			Keywords:      f.Trigger.Keywords,
			MatchMode:     models.KeywordMatchMode(f.Trigger.MatchMode),
			CaseSensitive: f.Trigger.CaseSensitive,
		},
		ReentryPolicy: models.ReentryPolicy(f.ReentryPolicy),
	}
}
