package history

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of history.yaml
type Document struct {
	Name        string                       `yaml:"name"`
	ID          string                       `yaml:"id"`
	FileVersion string                       `yaml:"history-file-version"`
	Channels    []string                     `yaml:"channels"`
	Packages    map[string]map[string]string `yaml:"packages"`
	Revisions   []RevisionDocument           `yaml:"revisions"`
}

// RevisionDocument is the on-disk shape of one revision
type RevisionDocument struct {
	Packages  map[string]map[string]string   `yaml:"packages"`
	Diff      map[string]map[string][]string `yaml:"diff"`
	Log       string                         `yaml:"log"`
	Action    string                         `yaml:"action"`
	Operation *Operation                     `yaml:"operation,omitempty"`
	Debug     Debug                          `yaml:"debug"`
}

// Export renders the history into its document form
func (h *History) Export() Document {
	doc := Document{
		Name:        h.Name,
		ID:          h.ID,
		FileVersion: FileVersion,
		Channels:    append([]string{}, h.Channels...),
		Packages:    h.Packages.Export(),
		Revisions:   make([]RevisionDocument, 0, h.Revisions.Len()),
	}
	for _, rev := range h.Revisions.All() {
		rd := RevisionDocument{
			Packages: rev.Packages.Export(),
			Diff:     rev.Diff.Export(),
			Log:      rev.Log,
			Action:   rev.Action,
			Debug:    rev.Debug,
		}
		if !rev.Operation.IsZero() {
			op := rev.Operation
			rd.Operation = &op
		}
		doc.Revisions = append(doc.Revisions, rd)
	}
	return doc
}

// Parse builds a history from its document form. Revisions written without
// an operation get one derived from their log.
func Parse(doc Document) (*History, error) {
	if doc.Name == "" {
		return nil, &ParseError{Err: errors.New("missing name")}
	}
	if doc.ID == "" {
		return nil, &ParseError{Err: errors.New("missing id")}
	}
	if len(doc.Revisions) == 0 {
		return nil, &ParseError{Err: errors.New("no revisions")}
	}

	h := &History{
		Name:     doc.Name,
		ID:       doc.ID,
		Channels: Channels(nil).Append(doc.Channels...),
		Packages: ParsePackageRevision(doc.Packages),
	}
	revs := make([]Revision, 0, len(doc.Revisions))
	for i, rd := range doc.Revisions {
		if rd.Log == "" || rd.Action == "" {
			return nil, &ParseError{Err: fmt.Errorf("revision %d: missing log or action", i)}
		}
		rev := Revision{
			Log:      rd.Log,
			Action:   rd.Action,
			Packages: ParsePackageRevision(rd.Packages),
			Diff:     ParseDiff(rd.Diff),
			Debug:    rd.Debug,
		}
		if rd.Operation != nil {
			rev.Operation = *rd.Operation
		} else if op, ok := ParseOperation(rd.Log); ok {
			rev.Operation = op
		}
		revs = append(revs, rev)
	}
	h.Revisions = NewRevisions(revs...)
	return h, nil
}

// Marshal encodes the history as YAML
func Marshal(h *History) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(h.Export()); err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a history from YAML
func Unmarshal(data []byte) (*History, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Err: errors.New("empty file")}
		}
		return nil, &ParseError{Err: err}
	}
	return Parse(doc)
}
