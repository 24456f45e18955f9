package crown

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Candidate is one run's solution as shown to the judge and stored in the
// retry blob.
type Candidate struct {
	RunID     string  `json:"runId"`
	AgentName string  `json:"agentName"`
	ModelName string  `json:"modelName,omitempty"`
	GitDiff   string  `json:"gitDiff"`
	NewBranch *string `json:"newBranch,omitempty"`
	Index     int     `json:"index"`
}

const (
	blobTaskPrefix = "Task: "
	blobSeparator  = "\nCandidates: "
)

// Encode renders the retry blob: a task line followed by the candidates as
// a JSON array.
func Encode(prompt string, candidates []Candidate) string {
	if candidates == nil {
		candidates = []Candidate{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a slice of plain structs cannot fail.
	_ = enc.Encode(candidates)
	return blobTaskPrefix + prompt + blobSeparator + strings.TrimRight(buf.String(), "\n")
}

// Decoded is a successfully parsed retry blob.
type Decoded struct {
	Prompt     string
	Candidates []Candidate
	// Dropped counts array elements that were not valid candidates.
	Dropped int
}

// MalformedError is returned by Decode for a blob that cannot be used.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed retry data: " + e.Reason
}

type wireCandidate struct {
	RunID     *string `json:"runId"`
	AgentName *string `json:"agentName"`
	ModelName *string `json:"modelName"`
	GitDiff   *string `json:"gitDiff"`
	NewBranch *string `json:"newBranch"`
	Index     *int    `json:"index"`
}

// Decode parses a blob produced by Encode. Elements missing runId,
// agentName or gitDiff are dropped; a missing index defaults to the array
// position. At least one valid candidate is required.
func Decode(blob string) (Decoded, error) {
	if !strings.HasPrefix(blob, blobTaskPrefix) {
		return Decoded{}, &MalformedError{Reason: "missing task line"}
	}
	// JSON never contains a raw newline, so the last separator is the real one.
	sep := strings.LastIndex(blob, blobSeparator)
	if sep < len(blobTaskPrefix) {
		return Decoded{}, &MalformedError{Reason: "missing candidates line"}
	}
	out := Decoded{Prompt: blob[len(blobTaskPrefix):sep]}

	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(blob[sep+len(blobSeparator):]), &elems); err != nil {
		return Decoded{}, &MalformedError{Reason: fmt.Sprintf("candidates are not a JSON array: %v", err)}
	}
	for i, raw := range elems {
		var w wireCandidate
		if err := json.Unmarshal(raw, &w); err != nil {
			out.Dropped++
			continue
		}
		if w.RunID == nil || *w.RunID == "" || w.AgentName == nil || *w.AgentName == "" || w.GitDiff == nil {
			out.Dropped++
			continue
		}
		c := Candidate{
			RunID:     *w.RunID,
			AgentName: *w.AgentName,
			GitDiff:   *w.GitDiff,
			NewBranch: w.NewBranch,
			Index:     i,
		}
		if w.ModelName != nil {
			c.ModelName = *w.ModelName
		}
		if w.Index != nil {
			c.Index = *w.Index
		}
		out.Candidates = append(out.Candidates, c)
	}
	if len(out.Candidates) == 0 {
		return Decoded{}, &MalformedError{Reason: fmt.Sprintf("no valid candidates (%d dropped)", out.Dropped)}
	}
	return out, nil
}

// decodable reports whether blob would decode.
func decodable(blob string) bool {
	_, err := Decode(blob)
	return err == nil
}
