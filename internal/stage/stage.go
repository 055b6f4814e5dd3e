// Package stage enumerates the nine pipeline stages in execution order.
package stage

import "fmt"

// ID identifies a pipeline stage. IDs are totally ordered by execution order.
type ID int

const (
	Convert ID = iota
	Chunk
	Transcribe
	Merge
	Diarize
	Classify
	FormatOutput
	ExportSnippets
	ExtractKnowledge
)

var names = [...]string{
	Convert:          "audio_conversion",
	Chunk:            "chunking",
	Transcribe:       "transcription",
	Merge:            "merge",
	Diarize:          "diarization",
	Classify:         "classification",
	FormatOutput:     "output_formatting",
	ExportSnippets:   "snippet_export",
	ExtractKnowledge: "knowledge_extraction",
}

// Count is the number of stages.
const Count = len(names)

// All returns every stage in execution order.
func All() []ID {
	ids := make([]ID, len(names))
	for i := range names {
		ids[i] = ID(i)
	}
	return ids
}

func (id ID) String() string {
	if id.Valid() {
		return names[id]
	}
	return fmt.Sprintf("stage(%d)", int(id))
}

// Valid reports whether id names one of the nine stages.
func (id ID) Valid() bool {
	return id >= Convert && id <= ExtractKnowledge
}

// Required reports whether a failure of this stage halts the pipeline.
// Optional stages degrade to placeholder output instead.
func (id ID) Required() bool {
	switch id {
	case Convert, Chunk, Transcribe, Merge, FormatOutput:
		return true
	default:
		return false
	}
}

// Parse resolves a stage name as written in checkpoints and config.
func Parse(name string) (ID, error) {
	for i, n := range names {
		if n == name {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// ParseList resolves names, failing on the first unknown one.
func ParseList(list []string) ([]ID, error) {
	ids := make([]ID, 0, len(list))
	for _, n := range list {
		id, err := Parse(n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarshalText encodes the stage by name.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(id))
	}
	return []byte(names[id]), nil
}

// UnmarshalText decodes a stage name.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
