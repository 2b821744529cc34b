package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/caremap/caremap-sync/internal/model"
)

// decodeJSON reads a JSON array of wire records element by element. An
// element that is valid JSON but does not fit the record shape becomes a
// Reject; malformed JSON fails the whole document.
func decodeJSON(ctx context.Context, r io.Reader) (*Batch, error) {
	decoder := json.NewDecoder(r)
	batch := &Batch{}

	// Expect opening bracket
	tok, err := decoder.Token()
	if err != nil {
		if err == io.EOF {
			return batch, nil
		}
		return nil, eris.Wrap(err, "json: read opening token")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, eris.Errorf("json: expected '[', got %v", tok)
	}

	for row := 1; decoder.More(); row++ {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "json: context cancelled")
		}

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return nil, eris.Wrapf(err, "json: decode element %d", row)
		}

		var rec model.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			batch.reject(row, describeJSONError(err))
			continue
		}
		batch.Records = append(batch.Records, rec)
	}

	// Consume closing bracket
	if _, err := decoder.Token(); err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "json: read closing token")
	}
	return batch, nil
}

func describeJSONError(err error) string {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return fmt.Sprintf("field %q: expected %s, got %s", te.Field, te.Type, te.Value)
	}
	return err.Error()
}

// yamlRecord is the YAML form of a wire record.
type yamlRecord struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Capacity int      `yaml:"capacity"`
	Current  int      `yaml:"current"`
	Address  string   `yaml:"address"`
	Hours    string   `yaml:"hours"`
	Lat      *float64 `yaml:"lat"`
	Lng      *float64 `yaml:"lng"`
}

func (y yamlRecord) record() model.Record {
	rec := model.Record{
		Code:             y.Code,
		Name:             y.Name,
		ServiceType:      y.Type,
		Capacity:         y.Capacity,
		CurrentHeadcount: y.Current,
		Address:          y.Address,
		OperatingHours:   y.Hours,
	}
	if y.Lat != nil && y.Lng != nil {
		rec.Coordinates = &model.Coordinates{Latitude: *y.Lat, Longitude: *y.Lng}
	}
	return rec
}

// decodeYAML reads a YAML sequence of wire records. Elements are decoded one
// at a time so a bad element becomes a Reject.
func decodeYAML(r io.Reader) (*Batch, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return &Batch{}, nil
		}
		return nil, eris.Wrap(err, "yaml: decode document")
	}

	seq := &doc
	if seq.Kind == yaml.DocumentNode && len(seq.Content) == 1 {
		seq = seq.Content[0]
	}
	if seq.Kind != yaml.SequenceNode {
		return nil, eris.Errorf("yaml: expected a sequence of records at line %d", seq.Line)
	}

	batch := &Batch{}
	for i, node := range seq.Content {
		var y yamlRecord
		if err := node.Decode(&y); err != nil {
			batch.reject(i+1, err.Error())
			continue
		}
		batch.Records = append(batch.Records, y.record())
	}
	return batch, nil
}
