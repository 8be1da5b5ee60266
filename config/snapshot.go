package config

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/xonfour/horizont-sub000/errors"
)

// WriteSnapshot encodes snap as YAML
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return errors.WrapInvalid(err, "Snapshot", "Write", "encode YAML")
	}
	return enc.Close()
}

// ReadSnapshot decodes a YAML snapshot, checks it against the snapshot
// schema and validates its consistency
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, errors.WrapInvalid(err, "Snapshot", "Read", "read document")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Snapshot", "Read", "decode YAML")
	}
	if err := validateDocument(doc); err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Snapshot", "Read", "decode YAML")
	}
	if err := ValidateSnapshot(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// SaveSnapshot writes snap to a .yaml file
func SaveSnapshot(path string, snap Snapshot) error {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		return err
	}
	if err := safeWriteFile(path, buf.Bytes()); err != nil {
		return errors.WrapInvalid(err, "Snapshot", "Save", "write file")
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot file
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return Snapshot{}, errors.WrapInvalid(err, "Snapshot", "Load", "read file")
	}
	return ReadSnapshot(bytes.NewReader(data))
}

// ValidateSnapshot checks that a snapshot describes a consistent configuration:
// unique non-empty ids, known kinds, typed records, and connections that only
// reference declared modules with non-negative priority.
func ValidateSnapshot(snap Snapshot) error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
			"Snapshot", "Validate", "configuration check")
	}

	if snap.Version > SnapshotVersion {
		return invalid("unsupported snapshot version %d", snap.Version)
	}

	modules := make(map[string]bool)
	seen := make(map[string]bool, len(snap.Components))
	for i, rec := range snap.Components {
		if rec.ID == "" {
			return invalid("component %d has no id", i)
		}
		if seen[rec.ID] {
			return invalid("duplicate component id %s", rec.ID)
		}
		seen[rec.ID] = true

		switch rec.Kind {
		case KindModule:
			modules[rec.ID] = true
		case KindControlInterface:
		default:
			return invalid("component %s has unknown kind %q", rec.ID, rec.Kind)
		}
		if rec.Type == "" {
			return invalid("component %s has no type", rec.ID)
		}
	}

	pairs := make(map[connKey]bool, len(snap.Connections))
	for _, rec := range snap.Connections {
		for _, ep := range []Endpoint{rec.Consumer, rec.Supplier} {
			if ep.Port == "" {
				return invalid("connection endpoint %s has no port", ep)
			}
			if !modules[ep.Module] {
				return invalid("connection references unknown module %s", ep.Module)
			}
		}
		if rec.Priority < 0 {
			return invalid("connection %s -> %s has negative priority", rec.Consumer, rec.Supplier)
		}
		k := connKey{rec.Consumer, rec.Supplier}
		if pairs[k] {
			return invalid("duplicate connection %s -> %s", rec.Consumer, rec.Supplier)
		}
		pairs[k] = true
	}

	return nil
}
