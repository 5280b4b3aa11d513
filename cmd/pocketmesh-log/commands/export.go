package commands

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pocketmesh/pocketmesh-go/pkg/log"
)

// record is the flattened form of an event used by the csv and yaml
// exports.
type record struct {
	Timestamp    string `yaml:"timestamp"`
	ConnectionID string `yaml:"connection_id,omitempty"`
	DeviceID     string `yaml:"device_id,omitempty"`
	Transport    string `yaml:"transport,omitempty"`
	Layer        string `yaml:"layer"`
	Category     string `yaml:"category"`
	Direction    string `yaml:"direction,omitempty"`
	Type         string `yaml:"type"`
	Summary      string `yaml:"summary"`
}

func newRecord(event log.Event) record {
	r := record{
		Timestamp:    event.Timestamp.UTC().Format(timestampLayout),
		ConnectionID: event.ConnectionID,
		DeviceID:     event.DeviceID,
		Transport:    event.Transport,
		Layer:        event.Layer.String(),
		Category:     event.Category.String(),
		Type:         typeLabel(event),
		Summary:      log.Summary(event),
	}
	if event.Frame != nil {
		r.Direction = event.Direction.String()
	}
	return r
}

// RunExport exports the log file to the specified format.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	case "yaml":
		return exportYAML(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv, yaml)", format)
	}
}

// each calls fn for every event in the reader.
func each(reader *log.Reader, fn func(log.Event) error) error {
	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	return each(reader, func(event log.Event) error {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"timestamp", "connection_id", "device_id", "transport", "layer", "category", "direction", "type", "summary"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	err := each(reader, func(event log.Event) error {
		r := newRecord(event)
		row := []string{r.Timestamp, r.ConnectionID, r.DeviceID, r.Transport, r.Layer, r.Category, r.Direction, r.Type, r.Summary}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// exportYAML writes one YAML document per event.
func exportYAML(reader *log.Reader, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := each(reader, func(event log.Event) error {
		if err := enc.Encode(newRecord(event)); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return enc.Close()
}
