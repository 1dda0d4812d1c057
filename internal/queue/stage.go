// Package queue defines the wire contract shared by every component: the
// stage enumeration, queue names and the task/result message schemas.
package queue

import (
	"fmt"
	"strings"
)

// Stage is one independent inference step
type Stage int

const (
	StageUnknown Stage = iota
	TextExtraction
	Segmentation
	PointExtraction
	MetadataExtraction
	GeoReferencing
)

// ResultQueue is the single queue every stage worker publishes to
const ResultQueue = "lara_result_queue"

// Queue names are the wire contract: renaming one breaks every deployed peer.
var stageNames = map[Stage]string{
	TextExtraction:     "text_extraction",
	Segmentation:       "segmentation",
	PointExtraction:    "point_extraction",
	MetadataExtraction: "metadata_extraction",
	GeoReferencing:     "geo_referencing",
}

var stageAliases = map[string]Stage{
	"text":         TextExtraction,
	"segments":     Segmentation,
	"points":       PointExtraction,
	"metadata":     MetadataExtraction,
	"georeference": GeoReferencing,
	"georef":       GeoReferencing,
}

// AllStages returns every stage in declaration order
func AllStages() []Stage {
	return []Stage{TextExtraction, Segmentation, PointExtraction, MetadataExtraction, GeoReferencing}
}

// DefaultStages is the stage set requested for a map.process event
func DefaultStages() []Stage {
	return []Stage{GeoReferencing, PointExtraction, Segmentation, MetadataExtraction}
}

// ParseStage accepts the wire name or a short alias
func ParseStage(s string) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for stage, wire := range stageNames {
		if wire == name {
			return stage, nil
		}
	}
	if stage, ok := stageAliases[name]; ok {
		return stage, nil
	}
	return StageUnknown, fmt.Errorf("unknown stage %q", s)
}

// ParseStages parses and de-duplicates a list of stage names, keeping order
func ParseStages(names []string) ([]Stage, error) {
	seen := make(map[Stage]bool, len(names))
	stages := make([]Stage, 0, len(names))
	for _, n := range names {
		stage, err := ParseStage(n)
		if err != nil {
			return nil, err
		}
		if seen[stage] {
			continue
		}
		seen[stage] = true
		stages = append(stages, stage)
	}
	return stages, nil
}

// Valid reports whether s is one of the five stages
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Queue returns the task queue consumed by the stage's workers
func (s Stage) Queue() string {
	return s.String()
}

// MarshalText encodes the stage as its wire name
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a wire name or alias
func (s *Stage) UnmarshalText(text []byte) error {
	stage, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// Names returns the wire names of stages
func Names(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.String()
	}
	return names
}

// Queues returns every queue in the topology, result queue last
func Queues() []string {
	queues := Names(AllStages())
	return append(queues, ResultQueue)
}
