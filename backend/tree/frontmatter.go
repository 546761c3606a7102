package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"membank/item"
)

const frontMatterDelim = "---\n"

// embeddingPattern matches the trailing HTML-comment embedding pair spec.md
// §4.3 appends after the body: "<!-- Vector Embedding -->" followed by a
// comment wrapping the JSON-encoded float array.
var embeddingPattern = regexp.MustCompile(`(?s)\n?<!--\s*Vector Embedding\s*-->\s*<!--(.*?)-->\n?\s*$`)

// frontMatter is the YAML document at the top of every item file: every
// field the engine needs to reconstruct an item.Item except its Value,
// which lives in the body so string-valued items read as plain notes.
type frontMatter struct {
	ID         string          `yaml:"id"`
	Category   string          `yaml:"category"`
	Key        string          `yaml:"key"`
	Namespace  string          `yaml:"namespace"`
	Timestamp  int64           `yaml:"timestamp"`
	NodeID     string          `yaml:"nodeId"`
	Version    string          `yaml:"version"`
	Tags       []string        `yaml:"tags,omitempty"`
	Source     string          `yaml:"source,omitempty"`
	Confidence float64         `yaml:"confidence,omitempty"`
	MergedFrom []string        `yaml:"mergedFrom,omitempty"`
	MergedAt   int64           `yaml:"mergedAt,omitempty"`
	UpdatedAt  int64           `yaml:"updatedAt,omitempty"`
	TTLMillis  int64           `yaml:"ttlMillis,omitempty"`
	ValueKind  string          `yaml:"valueKind"`
	Extra      map[string]any  `yaml:"extra,omitempty"`
}

// encode renders it into the file format spec.md §4.3 describes: a "# <key>"
// heading, the YAML frontmatter block, the body (string values written
// verbatim so a "note" category reads like plain markdown, everything else
// YAML-encoded), and, if the item carries a vector embedding, a trailing
// HTML-comment pair so rendering hides it while parsing can recover it.
func encode(it item.Item) ([]byte, error) {
	fm := frontMatter{
		ID:         it.ID,
		Category:   it.Category,
		Key:        it.Key,
		Namespace:  it.Namespace(),
		Timestamp:  it.Metadata.Timestamp,
		NodeID:     it.Metadata.NodeID,
		Version:    it.Metadata.Version,
		Tags:       it.Metadata.Tags,
		Source:     it.Metadata.Source,
		Confidence: it.Metadata.Confidence,
		MergedFrom: it.Metadata.MergedFrom,
		MergedAt:   it.Metadata.MergedAt,
		UpdatedAt:  it.Metadata.UpdatedAt,
		TTLMillis:  it.TTLMillis,
		ValueKind:  kindName(it.Value.Kind()),
	}
	if len(it.Metadata.Extra) > 0 {
		fm.Extra = make(map[string]any, len(it.Metadata.Extra))
		for k, v := range it.Metadata.Extra {
			fm.Extra[k] = v.ToAny()
		}
	}

	front, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("tree: marshal frontmatter: %w", err)
	}

	var body []byte
	if s, ok := it.Value.String(); ok {
		body = []byte(s)
	} else {
		body, err = yaml.Marshal(it.Value.ToAny())
		if err != nil {
			return nil, fmt.Errorf("tree: marshal body: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# " + it.Key + "\n")
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.Write(body)
	if len(it.Embedding) > 0 {
		embJSON, err := json.Marshal(it.Embedding)
		if err != nil {
			return nil, fmt.Errorf("tree: marshal embedding: %w", err)
		}
		buf.WriteString("\n<!-- Vector Embedding -->\n<!-- ")
		buf.Write(embJSON)
		buf.WriteString(" -->\n")
	}
	return buf.Bytes(), nil
}

// decode parses the file format back into an item.Item.
func decode(data []byte) (item.Item, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return item.Item{}, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return item.Item{}, fmt.Errorf("tree: unmarshal frontmatter: %w", err)
	}

	body, embedding, err := extractEmbedding(body)
	if err != nil {
		return item.Item{}, err
	}

	val, err := decodeValue(fm.ValueKind, body)
	if err != nil {
		return item.Item{}, err
	}

	var extra map[string]item.Value
	if len(fm.Extra) > 0 {
		extra = make(map[string]item.Value, len(fm.Extra))
		for k, v := range fm.Extra {
			ev, err := item.FromAny(v)
			if err != nil {
				return item.Item{}, fmt.Errorf("tree: decode extra metadata: %w", err)
			}
			extra[k] = ev
		}
	}

	return item.Item{
		ID:        fm.ID,
		Category:  fm.Category,
		Key:       fm.Key,
		Value:     val,
		Embedding: embedding,
		TTLMillis: fm.TTLMillis,
		Metadata: item.Metadata{
			Timestamp:  fm.Timestamp,
			NodeID:     fm.NodeID,
			Version:    fm.Version,
			Namespace:  fm.Namespace,
			Tags:       fm.Tags,
			Source:     fm.Source,
			Confidence: fm.Confidence,
			MergedFrom: fm.MergedFrom,
			MergedAt:   fm.MergedAt,
			UpdatedAt:  fm.UpdatedAt,
			Extra:      extra,
		},
	}, nil
}

func kindName(k item.Kind) string {
	switch k {
	case item.KindString:
		return "string"
	case item.KindNumber:
		return "number"
	case item.KindBool:
		return "bool"
	case item.KindSequence:
		return "sequence"
	case item.KindMap:
		return "map"
	default:
		return "null"
	}
}

func decodeValue(kind string, body []byte) (item.Value, error) {
	switch kind {
	case "string":
		return item.OfString(string(bytes.TrimSuffix(body, []byte("\n")))), nil
	case "null", "":
		return item.Null(), nil
	default:
		var raw any
		if err := yaml.Unmarshal(body, &raw); err != nil {
			return item.Value{}, fmt.Errorf("tree: unmarshal body: %w", err)
		}
		return item.FromAny(raw)
	}
}

// splitFrontMatter strips the leading "# <key>" heading line (if present)
// and splits the rest into the frontmatter block and the body.
func splitFrontMatter(data []byte) (front, body []byte, err error) {
	if bytes.HasPrefix(data, []byte("# ")) {
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			data = data[idx+1:]
		}
	}
	if !bytes.HasPrefix(data, []byte(frontMatterDelim)) {
		return nil, nil, fmt.Errorf("tree: missing frontmatter delimiter")
	}
	rest := data[len(frontMatterDelim):]
	idx := bytes.Index(rest, []byte(frontMatterDelim))
	if idx < 0 {
		return nil, nil, fmt.Errorf("tree: unterminated frontmatter")
	}
	front = rest[:idx]
	body = rest[idx+len(frontMatterDelim):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return front, body, nil
}

// extractEmbedding strips the trailing vector-embedding HTML-comment pair
// from body, if present, and decodes the JSON array it carries.
func extractEmbedding(body []byte) ([]byte, []float64, error) {
	loc := embeddingPattern.FindSubmatchIndex(body)
	if loc == nil {
		return body, nil, nil
	}
	var embedding []float64
	if err := json.Unmarshal(bytes.TrimSpace(body[loc[2]:loc[3]]), &embedding); err != nil {
		return nil, nil, fmt.Errorf("tree: decode embedding comment: %w", err)
	}
	remaining := make([]byte, 0, len(body)-(loc[1]-loc[0]))
	remaining = append(remaining, body[:loc[0]]...)
	remaining = append(remaining, body[loc[1]:]...)
	return remaining, embedding, nil
}
