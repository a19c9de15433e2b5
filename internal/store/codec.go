package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

const selectColumns = `
	SELECT id, request_text, response_text, action, tags, outcome_ok, score,
	       source, trust_level, embedding, created_at, quarantine_reason, quarantined_at
	FROM experiences`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperience(row rowScanner) (*experience.Experience, error) {
	var (
		exp           experience.Experience
		tags          string
		outcome       int
		source        string
		embedding     []byte
		createdAt     int64
		quarantinedAt sql.NullInt64
	)
	err := row.Scan(
		&exp.ID, &exp.RequestText, &exp.ResponseText, &exp.Action, &tags, &outcome,
		&exp.Score, &source, &exp.TrustLevel, &embedding, &createdAt,
		&exp.QuarantineReason, &quarantinedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan experience: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &exp.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", exp.ID, err)
	}
	if len(exp.Tags) == 0 {
		exp.Tags = nil
	}
	exp.OutcomeOK = outcome != 0
	exp.Source = experience.Source(source)
	exp.Embedding = decodeVector(embedding)
	exp.CreatedAt = time.Unix(0, createdAt).UTC()
	if quarantinedAt.Valid {
		t := time.Unix(0, quarantinedAt.Int64).UTC()
		exp.QuarantinedAt = &t
	}
	return &exp, nil
}

// encodeVector converts a float32 slice to little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts little-endian bytes back to a float32 slice.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
