package crown

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	prompts := []string{
		"Fix the bug",
		"",
		"multi\nline prompt with \"quotes\" and 100% <html> & emoji 🚀",
		"tricky\nCandidates: [not really]",
	}
	for _, prompt := range prompts {
		for n := 1; n <= 10; n++ {
			var cs []Candidate
			for i := 0; i < n; i++ {
				c := Candidate{
					RunID:     fmt.Sprintf("run-%d", i),
					AgentName: fmt.Sprintf("agent-%d", i),
					GitDiff:   fmt.Sprintf("diff --git a/f%d b/f%d\n+line with \"quote\" and \\ backslash\n", i, i),
					Index:     i,
				}
				if i%2 == 0 {
					c.ModelName = "model-" + fmt.Sprint(i)
				}
				if i%3 == 0 {
					branch := fmt.Sprintf("crown/agent-%d", i)
					c.NewBranch = &branch
				}
				cs = append(cs, c)
			}
			got, err := Decode(Encode(prompt, cs))
			if err != nil {
				t.Fatalf("Decode(Encode(%q, %d candidates)): %v", prompt, n, err)
			}
			if got.Prompt != prompt {
				t.Fatalf("prompt = %q, want %q", got.Prompt, prompt)
			}
			if got.Dropped != 0 {
				t.Fatalf("dropped = %d", got.Dropped)
			}
			if !reflect.DeepEqual(got.Candidates, cs) {
				t.Fatalf("candidates differ:\n got %+v\nwant %+v", got.Candidates, cs)
			}
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	blob := Encode("Fix it", []Candidate{{RunID: "r1", AgentName: "a", GitDiff: "<git diff not available>", Index: 0}})
	want := `Task: Fix it` + "\n" + `Candidates: [{"runId":"r1","agentName":"a","gitDiff":"<git diff not available>","index":0}]`
	if blob != want {
		t.Fatalf("Encode() =\n%s\nwant\n%s", blob, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "empty", blob: ""},
		{name: "task only", blob: "Task: x"},
		{name: "not json", blob: "Task: x\nCandidates: not-json"},
		{name: "object payload", blob: `Task: x` + "\n" + `Candidates: {"runId":"r"}`},
		{name: "null payload", blob: "Task: x\nCandidates: null"},
		{name: "empty array", blob: "Task: x\nCandidates: []"},
		{name: "no task line", blob: "Candidates: []"},
		{name: "all invalid", blob: `Task: x` + "\n" + `Candidates: [1, "two", {"runId":"r"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.blob)
			var malformed *MalformedError
			if !errors.As(err, &malformed) {
				t.Fatalf("Decode(%q) err = %v, want *MalformedError", tt.blob, err)
			}
		})
	}
}

func TestDecodeDropsInvalidElements(t *testing.T) {
	blob := `Task: Fix the bug` + "\n" + `Candidates: [` +
		`{"runId":"r1","agentName":"claude","gitDiff":"d1"},` +
		`{"runId":"r2","agentName":"codex"},` +
		`42,` +
		`{"runId":"","agentName":"x","gitDiff":"d"},` +
		`{"runId":"r5","agentName":"gemini","gitDiff":"","index":7,"newBranch":null}` +
		`]`
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", got.Dropped)
	}
	if len(got.Candidates) != 2 {
		t.Fatalf("candidates = %+v", got.Candidates)
	}
	if got.Candidates[0].RunID != "r1" || got.Candidates[0].Index != 0 {
		t.Fatalf("first candidate = %+v, want r1 at its array position", got.Candidates[0])
	}
	if got.Candidates[1].RunID != "r5" || got.Candidates[1].Index != 7 || got.Candidates[1].NewBranch != nil {
		t.Fatalf("second candidate = %+v", got.Candidates[1])
	}
}

func TestChooseRetryData(t *testing.T) {
	good := Encode("p", []Candidate{{RunID: "r", AgentName: "a", GitDiff: "d"}})
	better := Encode("p2", []Candidate{{RunID: "r2", AgentName: "b", GitDiff: "d2"}})
	tests := []struct {
		name, current, next, want string
	}{
		{name: "nothing new keeps current", current: good, next: "", want: good},
		{name: "undecodable does not replace decodable", current: good, next: "Task: broken", want: good},
		{name: "decodable replaces decodable", current: good, next: better, want: better},
		{name: "anything replaces undecodable", current: "junk", next: "Task: still junk", want: "Task: still junk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := chooseRetryData(tt.current, tt.next); got != tt.want {
				t.Fatalf("chooseRetryData() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	inputs := []string{
		"Task: ",
		"Task: \nCandidates: ",
		"Task: x\nCandidates: [",
		"Task: x\nCandidates: [{\"runId\": 1}]",
		strings.Repeat("Task: ", 50),
		"Task: x\nCandidates: [{\"runId\":\"r\",\"agentName\":\"a\",\"gitDiff\":\"d\",\"index\":1.5}]",
	}
	for _, in := range inputs {
		if _, err := Decode(in); err == nil {
			t.Fatalf("Decode(%q) should report malformed input", in)
		}
	}
}
