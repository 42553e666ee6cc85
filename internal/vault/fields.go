package vault

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMalformedMetadata marks a document whose leading metadata block is
	// duplicated or unparseable. Mutations are refused for such documents.
	ErrMalformedMetadata = errors.New("malformed document metadata")

	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

const frontmatterFence = "---"

// Fields is the ordered metadata block of one document. Key lookup is
// case-insensitive; the first-seen casing of a key is preserved on write.
// It wraps a YAML mapping node so unknown keys, their order, and their
// formatting survive a read-modify-write cycle untouched.
type Fields struct {
	node *yaml.Node
}

// NewFields returns an empty metadata block.
func NewFields() *Fields {
	return &Fields{node: &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}}
}

// parseFields decodes a raw frontmatter block (without fences).
func parseFields(block []byte) (*Fields, error) {
	if len(bytes.TrimSpace(block)) == 0 {
		return NewFields(), nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(block, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return NewFields(), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("frontmatter is not a mapping")
	}
	return &Fields{node: root}, nil
}

// find returns the index of the key node matching name, or -1.
func (f *Fields) find(name string) int {
	for i := 0; i+1 < len(f.node.Content); i += 2 {
		if strings.EqualFold(f.node.Content[i].Value, name) {
			return i
		}
	}
	return -1
}

// Get returns the scalar value stored under name (case-insensitive).
func (f *Fields) Get(name string) (string, bool) {
	i := f.find(name)
	if i < 0 {
		return "", false
	}
	v := f.node.Content[i+1]
	if v.Kind != yaml.ScalarNode {
		return "", false
	}
	return v.Value, true
}

// GetString returns the value under name or "" when absent.
func (f *Fields) GetString(name string) string {
	v, _ := f.Get(name)
	return v
}

// GetInt returns the integer under name, or 0 when absent or non-numeric.
func (f *Fields) GetInt(name string) int {
	v, ok := f.Get(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// GetBool returns the boolean under name; absent or unparseable is false.
func (f *Fields) GetBool(name string) bool {
	v, ok := f.Get(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return b
}

// Has reports whether name is present (case-insensitive).
func (f *Fields) Has(name string) bool {
	return f.find(name) >= 0
}

// Set stores a string value under name, updating in place when a key already
// exists under any casing, appending otherwise.
func (f *Fields) Set(name, value string) {
	f.setNode(name, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

// SetInt stores an integer value under name.
func (f *Fields) SetInt(name string, value int) {
	f.setNode(name, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(value)})
}

// SetBool stores a boolean value under name.
func (f *Fields) SetBool(name string, value bool) {
	f.setNode(name, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(value)})
}

func (f *Fields) setNode(name string, value *yaml.Node) {
	if i := f.find(name); i >= 0 {
		f.node.Content[i+1] = value
		return
	}
	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
	f.node.Content = append(f.node.Content, key, value)
}

// Delete removes name (case-insensitive) if present.
func (f *Fields) Delete(name string) {
	i := f.find(name)
	if i < 0 {
		return
	}
	f.node.Content = append(f.node.Content[:i], f.node.Content[i+2:]...)
}

// Len returns the number of keys.
func (f *Fields) Len() int {
	return len(f.node.Content) / 2
}

// render serializes the block back to YAML, without fences.
func (f *Fields) render() ([]byte, error) {
	if f.Len() == 0 {
		return nil, nil
	}
	return yaml.Marshal(f.node)
}

// splitDocument separates a raw document into its frontmatter block (without
// fences) and body. Documents without a leading fence have nil frontmatter.
func splitDocument(raw []byte) (front, body []byte, err error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontmatterFence+"\n") {
		return nil, raw, nil
	}

	rest := text[len(frontmatterFence)+1:]
	end := findFence(rest)
	if end < 0 {
		return nil, nil, ErrMalformedMetadata
	}

	front = []byte(rest[:end])
	after := rest[end:]
	// Drop the closing fence line itself.
	if i := strings.IndexByte(after, '\n'); i >= 0 {
		after = after[i+1:]
	} else {
		after = ""
	}

	// A second fenced block immediately following the first is the
	// duplicate-metadata shape left behind by interrupted host merges.
	// Refuse to treat either block as authoritative.
	if looksLikeFrontmatter(after) {
		return nil, nil, ErrMalformedMetadata
	}

	return front, []byte(after), nil
}

// findFence locates the start offset of the closing fence line in rest.
func findFence(rest string) int {
	offset := 0
	for {
		line := rest[offset:]
		nl := strings.IndexByte(line, '\n')
		var content string
		if nl < 0 {
			content = line
		} else {
			content = line[:nl]
		}
		if strings.TrimRight(content, " \t\r") == frontmatterFence {
			return offset
		}
		if nl < 0 {
			return -1
		}
		offset += nl + 1
	}
}

// looksLikeFrontmatter reports whether text opens with another fenced
// metadata block (ignoring leading blank lines).
func looksLikeFrontmatter(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return trimmed == frontmatterFence
	}
	return false
}

// CheckMetadata validates a raw document body for mutation safety. It
// returns ErrMalformedMetadata for duplicate or unclosed leading metadata
// blocks and for frontmatter YAML that does not parse.
func CheckMetadata(raw []byte) error {
	front, _, err := splitDocument(raw)
	if err != nil {
		return err
	}
	if front == nil {
		return nil
	}
	if _, err := parseFields(front); err != nil {
		return ErrMalformedMetadata
	}
	return nil
}

// renderDocument reassembles frontmatter and body into a raw document.
func renderDocument(fields *Fields, body []byte) ([]byte, error) {
	block, err := fields.render()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if len(block) > 0 {
		buf.WriteString(frontmatterFence + "\n")
		buf.Write(block)
		buf.WriteString(frontmatterFence + "\n")
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
