package regwatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// DiscoveryTimeLayout is the wire format of Metadata.DiscoveryTime: UTC with
// millisecond precision and a literal Z.
const DiscoveryTimeLayout = "2006-01-02T15:04:05.000Z"

// Metadata describes the published register document. Values are never
// mutated after construction; a refresh builds a new one.
type Metadata struct {
	DocumentURL   string
	DiscoveryTime time.Time
	RecordCount   int
	ColumnHeaders []string
}

type metadataJSON struct {
	DocumentURL          string   `json:"documentURL"`
	DiscoveryDateTimeUTC string   `json:"discoveryDateTimeUTC"`
	RegistersFound       int      `json:"registersFound"`
	ColumnHeaders        []string `json:"columnHeaders"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return marshalNoEscape(metadataJSON{
		DocumentURL:          m.DocumentURL,
		DiscoveryDateTimeUTC: m.DiscoveryTime.UTC().Format(DiscoveryTimeLayout),
		RegistersFound:       m.RecordCount,
		ColumnHeaders:        m.ColumnHeaders,
	})
}

// Record is one register row keyed by column header. Keys keep column order.
type Record struct {
	headers []string // shared by every record of a snapshot
	values  []string
}

// Headers returns the record's keys in column order.
func (r Record) Headers() []string { return slices.Clone(r.headers) }

// Get returns the value under header h.
func (r Record) Get(h string) (string, bool) {
	i := slices.Index(r.headers, h)
	if i < 0 {
		return "", false
	}
	return r.values[i], true
}

// Map returns the record as a plain map. Ordering is lost.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.headers))
	for i, h := range r.headers {
		m[h] = r.values[i]
	}
	return m
}

// MarshalJSON writes the record as an object whose keys follow column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r Record) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, h := range r.headers {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(buf, h); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeJSONString(buf, r.values[i]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Snapshot is the unit published to readers: metadata and records together,
// plus their serialized forms so every read returns identical bytes.
type Snapshot struct {
	Metadata Metadata
	Records  []Record

	metadataJSON []byte
	recordsJSON  []byte
}

// NewSnapshot checks the snapshot invariants and serializes both facets.
func NewSnapshot(md Metadata, records []Record) (*Snapshot, error) {
	if md.RecordCount != len(records) {
		return nil, fmt.Errorf("snapshot: record count %d != %d records", md.RecordCount, len(records))
	}
	if len(md.ColumnHeaders) == 0 {
		return nil, fmt.Errorf("snapshot: no column headers")
	}
	md.ColumnHeaders = slices.Clone(md.ColumnHeaders)
	md.DiscoveryTime = md.DiscoveryTime.UTC()
	for i, r := range records {
		if !slices.Equal(r.headers, md.ColumnHeaders) {
			return nil, fmt.Errorf("snapshot: record %d keys do not match column headers", i)
		}
	}

	mdJSON, err := md.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("snapshot: metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := r.encode(&buf); err != nil {
			return nil, fmt.Errorf("snapshot: record %d: %w", i, err)
		}
	}
	buf.WriteByte(']')

	return &Snapshot{
		Metadata:     md,
		Records:      records,
		metadataJSON: mdJSON,
		recordsJSON:  buf.Bytes(),
	}, nil
}

// MetadataJSON returns the serialized metadata. Callers must not modify it.
func (s *Snapshot) MetadataJSON() []byte { return s.metadataJSON }

// RecordsJSON returns the serialized record array. Callers must not modify it.
func (s *Snapshot) RecordsJSON() []byte { return s.recordsJSON }

func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := marshalNoEscape(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// marshalNoEscape is json.Marshal without HTML escaping; register values are
// URLs and query strings are common.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
