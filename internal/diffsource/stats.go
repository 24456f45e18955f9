package diffsource

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

type Stats struct {
	Files   int
	Added   int
	Deleted int
}

func (s Stats) Changed() int { return s.Added + s.Deleted }

// ComputeStats counts files and changed lines in a unified diff. Text that
// does not parse as a diff reports ok=false.
func ComputeStats(unified string) (Stats, bool) {
	if strings.TrimSpace(unified) == "" || unified == EmptyDiffPlaceholder {
		return Stats{}, true
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return Stats{}, false
	}
	stats := Stats{Files: len(fileDiffs)}
	for _, fd := range fileDiffs {
		st := fd.Stat()
		// go-diff reports an edited line pair as one "changed" line.
		stats.Added += int(st.Added + st.Changed)
		stats.Deleted += int(st.Deleted + st.Changed)
	}
	return stats, true
}

// IsTrivial reports whether a diff carries no code change: empty, the
// placeholder, or a parseable diff whose files add and remove nothing. Text
// that is not a recognizable diff is assumed to carry changes.
func IsTrivial(unified string) bool {
	trimmed := strings.TrimSpace(unified)
	if trimmed == "" || trimmed == EmptyDiffPlaceholder {
		return true
	}
	stats, ok := ComputeStats(unified)
	if !ok || stats.Files == 0 {
		return false
	}
	return stats.Changed() == 0
}
