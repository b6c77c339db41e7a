package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleArtifact = `lab:
  title: Network Fundamentals
  version: 1.0.0
nodes:
  - id: n0
    label: router-1
    node_definition: iosv
    tags:
      - serial:${PORT_SERIAL_1}
      - management
  - id: n1
    label: desktop-1
    node_definition: desktop
    tags:
      - vnc:${PORT_VNC_1}
links:
  - id: l0
    n1: n0
    n2: n1
annotations:
  - type: text
    label: console at ${PORT_SERIAL_1}
    tags:
      - serial:${PORT_SERIAL_1}
`

func TestRewriteSubstitutesPorts(t *testing.T) {
	ports := map[string]int{"serial_1": 5041, "vnc_1": 5044}

	out, err := Rewrite([]byte(sampleArtifact), ports)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "serial:5041")
	assert.Contains(t, text, "vnc:5044")
	assert.Contains(t, text, "console at 5041")
	assert.NotContains(t, text, "${PORT_")

	// Untouched fields survive byte-for-byte at the value level.
	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	lab := doc["lab"].(map[string]interface{})
	assert.Equal(t, "Network Fundamentals", lab["title"])
	links := doc["links"].([]interface{})
	require.Len(t, links, 1)
	assert.Equal(t, "n0", links[0].(map[string]interface{})["n1"])

	nodes := doc["nodes"].([]interface{})
	router := nodes[0].(map[string]interface{})
	assert.Equal(t, "router-1", router["label"], "node labels are not rewritten")
	tags := router["tags"].([]interface{})
	assert.Contains(t, tags, "management")
}

func TestRewriteIsIdempotent(t *testing.T) {
	ports := map[string]int{"serial_1": 5041, "vnc_1": 5044}

	once, err := Rewrite([]byte(sampleArtifact), ports)
	require.NoError(t, err)
	twice, err := Rewrite(once, ports)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
}

func TestRewriteWithoutPlaceholders(t *testing.T) {
	artifact := []byte("lab:\n  title: Plain\nnodes:\n  - id: n0\n    tags:\n      - management\n")

	out, err := Rewrite(artifact, map[string]int{"serial_1": 5041})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	nodes := doc["nodes"].([]interface{})
	tags := nodes[0].(map[string]interface{})["tags"].([]interface{})
	assert.Equal(t, []interface{}{"management"}, tags)
}

func TestRewriteRejectsMalformedArtifact(t *testing.T) {
	_, err := Rewrite([]byte(":\n\t- not yaml"), map[string]int{"serial_1": 5041})
	require.Error(t, err)

	_, err = Rewrite([]byte(""), nil)
	require.Error(t, err)
}

func TestRewriteLeavesOtherStringsAlone(t *testing.T) {
	// A placeholder-looking string outside tags and annotation labels must
	// not be substituted.
	artifact := []byte(`lab:
  title: uses ${PORT_SERIAL_1} in a title
nodes:
  - id: n0
    configuration: 'line con 0 ${PORT_SERIAL_1}'
    tags:
      - serial:${PORT_SERIAL_1}
`)
	out, err := Rewrite(artifact, map[string]int{"serial_1": 5041})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &doc))
	lab := doc["lab"].(map[string]interface{})
	assert.Equal(t, "uses ${PORT_SERIAL_1} in a title", lab["title"])
	nodes := doc["nodes"].([]interface{})
	node := nodes[0].(map[string]interface{})
	assert.Equal(t, "line con 0 ${PORT_SERIAL_1}", node["configuration"])
	assert.Contains(t, node["tags"].([]interface{}), "serial:5041")
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "${PORT_SERIAL_1}", Placeholder("serial_1"))
	assert.Equal(t, "${PORT_VNC_1}", Placeholder("vnc_1"))
}

func TestMissing(t *testing.T) {
	artifact := []byte("nodes:\n  - tags:\n      - serial:${PORT_SERIAL_1}\n")
	missing := Missing(artifact, []string{"serial_1", "vnc_1"})
	assert.Equal(t, []string{"serial_1"}, missing)

	rewritten, err := Rewrite(artifact, map[string]int{"serial_1": 5041})
	require.NoError(t, err)
	assert.Empty(t, Missing(rewritten, []string{"serial_1", "vnc_1"}))
}
