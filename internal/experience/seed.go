package experience

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// SeedFile is the JSON layout produced by external seeding processes.
type SeedFile struct {
	Benign   []SeedRecord `json:"benign_experiences"`
	Poisoned []SeedRecord `json:"poisoned_experiences"`
}

// SeedRecord is a single seeded experience. Only req or resp is required.
type SeedRecord struct {
	ID         string   `json:"id"`
	Req        string   `json:"req"`
	Resp       string   `json:"resp"`
	Tag        string   `json:"tag,omitempty"`
	ActionCode string   `json:"action_code,omitempty"`
	Score      *float64 `json:"score,omitempty"`
	OutcomeOK  *bool    `json:"outcome_ok,omitempty"`
}

// SeedOptions controls which source each half of a seed file is ingested as.
type SeedOptions struct {
	BenignSource   Source
	PoisonedSource Source
}

// DefaultSeedOptions ingests benign seeds as verified and poisoned seeds as
// unverified, matching how an external seeding process would tag them.
func DefaultSeedOptions() SeedOptions {
	return SeedOptions{BenignSource: SourceVerified, PoisonedSource: SourceUnverified}
}

// LoadSeedFile reads a seed file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied seed path
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()
	return ReadSeeds(f)
}

// ReadSeeds decodes a seed file.
func ReadSeeds(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&sf); err != nil {
		return nil, fmt.Errorf("decoding seed file: %w", err)
	}
	return &sf, nil
}

// Inputs converts the seed file into ingestion inputs, benign records first.
func (sf *SeedFile) Inputs(opts SeedOptions) []Input {
	if opts.BenignSource == "" {
		opts.BenignSource = SourceVerified
	}
	if opts.PoisonedSource == "" {
		opts.PoisonedSource = SourceUnverified
	}
	out := make([]Input, 0, len(sf.Benign)+len(sf.Poisoned))
	for _, r := range sf.Benign {
		out = append(out, r.input(opts.BenignSource))
	}
	for _, r := range sf.Poisoned {
		out = append(out, r.input(opts.PoisonedSource))
	}
	return out
}

func (r SeedRecord) input(src Source) Input {
	in := Input{
		ID:           r.ID,
		RequestText:  r.Req,
		ResponseText: r.Resp,
		Action:       r.ActionCode,
		Source:       src,
		OutcomeOK:    true,
	}
	if r.Tag != "" {
		in.Tags = []string{r.Tag}
	}
	if r.Score != nil {
		in.Score = *r.Score
	}
	if r.OutcomeOK != nil {
		in.OutcomeOK = *r.OutcomeOK
	}
	return in
}
