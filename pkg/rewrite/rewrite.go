// Package rewrite substitutes allocated ports into lab topology artifacts.
//
// Definitions carry an opaque YAML topology whose node tags and smart
// annotations reference ports symbolically, e.g. "serial:${PORT_SERIAL_1}".
// Once the scheduler has leased concrete ports on a worker, the rewriter
// replaces every placeholder with its integer port. Only node tags and
// annotation tags/labels are touched; every other field round-trips
// untouched. Rewriting already-rewritten input is the identity, so a retry
// after a partial failure is safe.
package rewrite

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// placeholderPrefix and placeholderSuffix frame a port name inside an
// artifact, as in ${PORT_SERIAL_1}.
const (
	placeholderPrefix = "${PORT_"
	placeholderSuffix = "}"
)

// Placeholder returns the artifact token for a port template name.
func Placeholder(portName string) string {
	return placeholderPrefix + strings.ToUpper(portName) + placeholderSuffix
}

// Rewrite substitutes every port placeholder in the artifact's node tags
// and annotation tags/labels and returns the rewritten document. A nil or
// empty port map returns the artifact in canonical form with no
// substitutions. Unparseable artifacts are an external contract violation
// and surface as an error.
func Rewrite(artifact []byte, ports map[string]int) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(artifact, &doc); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse artifact: empty document")
	}

	replacer := newPortReplacer(ports)
	root := doc.Content[0]

	if nodes := mapValue(root, "nodes"); nodes != nil && nodes.Kind == yaml.SequenceNode {
		for _, node := range nodes.Content {
			rewriteTags(mapValue(node, "tags"), replacer)
		}
	}
	if annotations := mapValue(root, "annotations"); annotations != nil && annotations.Kind == yaml.SequenceNode {
		for _, ann := range annotations.Content {
			rewriteTags(mapValue(ann, "tags"), replacer)
			if label := mapValue(ann, "label"); label != nil && label.Kind == yaml.ScalarNode {
				label.Value = replacer.Replace(label.Value)
			}
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// Missing reports which port template names still appear as placeholders in
// the artifact. Used to verify an allocation covers the template before
// submitting a lab.
func Missing(artifact []byte, portNames []string) []string {
	var missing []string
	text := string(artifact)
	for _, name := range portNames {
		if strings.Contains(text, Placeholder(name)) {
			missing = append(missing, name)
		}
	}
	return missing
}

func newPortReplacer(ports map[string]int) *strings.Replacer {
	pairs := make([]string, 0, len(ports)*2)
	for name, port := range ports {
		pairs = append(pairs, Placeholder(name), strconv.Itoa(port))
	}
	return strings.NewReplacer(pairs...)
}

// mapValue returns the value node for key inside a mapping node.
func mapValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func rewriteTags(tags *yaml.Node, replacer *strings.Replacer) {
	if tags == nil || tags.Kind != yaml.SequenceNode {
		return
	}
	for _, tag := range tags.Content {
		if tag.Kind == yaml.ScalarNode {
			tag.Value = replacer.Replace(tag.Value)
		}
	}
}
