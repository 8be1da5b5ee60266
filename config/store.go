package config

import (
	"context"
	"fmt"
)

// Component kinds as stored in records
const (
	KindModule           = "module"
	KindControlInterface = "control_interface"
)

// ComponentRecord is the persisted declaration of one module or control interface
type ComponentRecord struct {
	ID       string            `json:"id" yaml:"id"`
	Kind     string            `json:"kind" yaml:"kind"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Rights   int               `json:"rights" yaml:"rights"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Endpoint names one port of one module
type Endpoint struct {
	Module string `json:"module" yaml:"module"`
	Port   string `json:"port" yaml:"port"`
}

// String returns module/port
func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Module, e.Port)
}

// ConnectionRecord is a persisted consumer/supplier pairing
type ConnectionRecord struct {
	Consumer Endpoint `json:"consumer" yaml:"consumer"`
	Supplier Endpoint `json:"supplier" yaml:"supplier"`
	Priority int      `json:"priority" yaml:"priority"`
}

// Snapshot is a complete configuration export
type Snapshot struct {
	Version     int                `json:"version" yaml:"version"`
	Components  []ComponentRecord  `json:"components" yaml:"components"`
	Connections []ConnectionRecord `json:"connections" yaml:"connections"`
}

// SnapshotVersion is the format version written by Export
const SnapshotVersion = 1

// Store persists component and connection records.
//
// Lookups of unknown ids return an error matching errors.ErrConfigNotFound.
// Backend failures match errors.ErrDatabase.
type Store interface {
	Components(ctx context.Context) ([]ComponentRecord, error)
	Component(ctx context.Context, id string) (ComponentRecord, error)
	PutComponent(ctx context.Context, rec ComponentRecord) error
	// DeleteComponent also removes every connection record referencing the component.
	DeleteComponent(ctx context.Context, id string) error

	Connections(ctx context.Context) ([]ConnectionRecord, error)
	PutConnection(ctx context.Context, rec ConnectionRecord) error
	DeleteConnection(ctx context.Context, consumer, supplier Endpoint) error

	Export(ctx context.Context) (Snapshot, error)
	// Import replaces the whole store content.
	Import(ctx context.Context, snap Snapshot) error
}

type connKey struct {
	consumer Endpoint
	supplier Endpoint
}
