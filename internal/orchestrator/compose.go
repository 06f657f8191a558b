package orchestrator

import (
	"fmt"
	"os"

	"github.com/fleetops/agentmanager/internal/atomicfile"
	"gopkg.in/yaml.v3"
)

// ServiceImage reads a compose file and returns the image reference
// configured for serviceName.
func ServiceImage(composePath, serviceName string) (string, error) {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read compose file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("orchestrator: parse compose file: %w", err)
	}

	imageNode := findServiceImageNode(&doc, serviceName)
	if imageNode == nil {
		return "", fmt.Errorf("orchestrator: service %q has no image in %s", serviceName, composePath)
	}
	return imageNode.Value, nil
}

// SetServiceImage rewrites serviceName's image reference in composePath to
// newImage, preserving the rest of the document's formatting and comments
// via yaml.Node round-tripping. A ".bak" backup of the original file is
// written first, and the replacement is applied atomically.
func SetServiceImage(composePath, serviceName, newImage string) error {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return fmt.Errorf("orchestrator: read compose file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("orchestrator: parse compose file: %w", err)
	}

	imageNode := findServiceImageNode(&doc, serviceName)
	if imageNode == nil {
		return fmt.Errorf("orchestrator: service %q has no image in %s", serviceName, composePath)
	}
	if imageNode.Value == newImage {
		return nil
	}
	imageNode.Value = newImage

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal compose file: %w", err)
	}

	if err := atomicfile.Write(composePath+".bak", data); err != nil {
		return fmt.Errorf("orchestrator: write compose backup: %w", err)
	}
	if err := atomicfile.Write(composePath, out); err != nil {
		return fmt.Errorf("orchestrator: write compose file: %w", err)
	}
	return nil
}

// findServiceImageNode walks a parsed compose document to the scalar
// "image:" value node under services.<serviceName>.
func findServiceImageNode(doc *yaml.Node, serviceName string) *yaml.Node {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	services := mapValue(root, "services")
	if services == nil {
		return nil
	}
	service := mapValue(services, serviceName)
	if service == nil {
		return nil
	}
	return mapValue(service, "image")
}

// mapValue looks up key in a YAML mapping node, returning its value node.
func mapValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
